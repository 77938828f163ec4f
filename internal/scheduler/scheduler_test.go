package scheduler

import (
	"context"
	"testing"

	"github.com/tasknet/dispatch/internal/bus"
	"github.com/tasknet/dispatch/internal/config"
	"github.com/tasknet/dispatch/pkg/models"
)

func TestRunCycle_AllocatesReadySubtasks(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()
	env.addWorker(t, "m1", 2, "browser")
	env.addWorker(t, "m2", 2, "browser")

	taskID := env.addTask(t)
	root := env.addSubtask(t, taskID, "browser")
	blocked := env.addSubtask(t, taskID, "browser", root)

	result := env.sched.RunCycle(ctx)
	if result.Skipped {
		t.Fatal("cycle skipped")
	}
	if result.TasksProcessed != 1 {
		t.Errorf("tasks processed = %d, want 1", result.TasksProcessed)
	}
	if result.SubtasksAllocated != 1 {
		t.Errorf("allocated = %d, want 1 (dependent still blocked)", result.SubtasksAllocated)
	}
	if len(result.Errors) != 0 {
		t.Errorf("cycle errors: %v", result.Errors)
	}

	st, _ := env.db.GetSubtask(ctx, root)
	if st.Status != models.SubtaskStatusInProgress {
		t.Errorf("root status = %s, want in_progress", st.Status)
	}
	st, _ = env.db.GetSubtask(ctx, blocked)
	if st.Status != models.SubtaskStatusPending {
		t.Errorf("blocked status = %s, want pending", st.Status)
	}
}

func TestRunCycle_SingleFlight(t *testing.T) {
	env := setupEnv(t, nil)

	env.sched.mu.Lock()
	env.sched.running = true
	env.sched.mu.Unlock()

	result := env.sched.RunCycle(context.Background())
	if !result.Skipped {
		t.Error("overlapping cycle not skipped")
	}

	env.sched.mu.Lock()
	env.sched.running = false
	env.sched.mu.Unlock()

	if result := env.sched.RunCycle(context.Background()); result.Skipped {
		t.Error("cycle skipped after previous one finished")
	}
}

func TestRunCycle_RecoversQueuedSubtaskWhenWorkerArrives(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()
	taskID := env.addTask(t)
	stID := env.addSubtask(t, taskID, "browser")

	// No workers yet: the subtask parks on the queue.
	result := env.sched.RunCycle(ctx)
	if result.SubtasksQueued == 0 {
		t.Fatalf("expected subtask queued with no workers, got %+v", result)
	}
	st, _ := env.db.GetSubtask(ctx, stID)
	if st.Status != models.SubtaskStatusQueued {
		t.Fatalf("status = %s, want queued", st.Status)
	}

	// A capable worker registers; the next cycle drains the queue.
	env.addWorker(t, "m1", 2, "browser")
	result = env.sched.RunCycle(ctx)
	if result.SubtasksAllocated != 1 {
		t.Fatalf("allocated = %d after worker arrival, want 1", result.SubtasksAllocated)
	}

	st, _ = env.db.GetSubtask(ctx, stID)
	if st.Status != models.SubtaskStatusInProgress {
		t.Errorf("status = %s, want in_progress", st.Status)
	}
	if n, _ := env.db.QueueLength(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0 after recovery", n)
	}
}

func TestSweepQueue_DrainsInEnqueueOrder(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()
	taskID := env.addTask(t)

	first := env.addSubtask(t, taskID, "browser")
	second := env.addSubtask(t, taskID, "browser")
	third := env.addSubtask(t, taskID, "browser")
	for _, id := range []string{first, second, third} {
		if err := env.db.MarkQueued(ctx, id); err != nil {
			t.Fatalf("mark queued: %v", err)
		}
		if err := env.db.EnqueueSubtask(ctx, id); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// One worker with a single slot: only the oldest entry can bind.
	env.addWorker(t, "m1", 2, "browser")

	var result CycleResult
	env.sched.sweepQueue(ctx, &result)
	if result.SubtasksAllocated != 1 {
		t.Fatalf("allocated = %d, want 1", result.SubtasksAllocated)
	}

	st, err := env.db.GetSubtask(ctx, first)
	if err != nil {
		t.Fatalf("get subtask: %v", err)
	}
	if st.Status != models.SubtaskStatusInProgress {
		t.Errorf("oldest entry status = %s, want in_progress", st.Status)
	}
	for _, id := range []string{second, third} {
		st, err := env.db.GetSubtask(ctx, id)
		if err != nil {
			t.Fatalf("get subtask: %v", err)
		}
		if st.Status != models.SubtaskStatusQueued {
			t.Errorf("newer entry status = %s, want queued", st.Status)
		}
	}
	if n, _ := env.db.QueueLength(ctx); n != 2 {
		t.Errorf("queue length = %d, want 2", n)
	}
}

func TestRunCycle_EscalatesExhaustedQueueEntries(t *testing.T) {
	env := setupEnv(t, func(cfg *config.Config) {
		cfg.Scheduler.MaxQueueAttempts = 2
	})
	ctx := context.Background()
	taskID := env.addTask(t)
	stID := env.addSubtask(t, taskID, "browser")

	// With no workers, each cycle queues the subtask and charges one
	// reallocation attempt.
	env.sched.RunCycle(ctx)
	env.sched.RunCycle(ctx)

	st, err := env.db.GetSubtask(ctx, stID)
	if err != nil {
		t.Fatalf("get subtask: %v", err)
	}
	if st.Status != models.SubtaskStatusFailed {
		t.Errorf("status = %s, want failed after attempts exhausted", st.Status)
	}
	if n, _ := env.db.QueueLength(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0 after escalation", n)
	}
}

func TestRunCycle_RespectsGlobalCeiling(t *testing.T) {
	env := setupEnv(t, func(cfg *config.Config) {
		cfg.Scheduler.MaxConcurrentSubtasks = 2
		cfg.Scheduler.MaxSubtasksPerWorker = 5
	})
	ctx := context.Background()
	env.addWorker(t, "m1", 2)

	taskID := env.addTask(t)
	for i := 0; i < 4; i++ {
		env.addSubtask(t, taskID, "")
	}

	env.sched.RunCycle(ctx)

	n, err := env.db.CountInProgress(ctx)
	if err != nil {
		t.Fatalf("count in progress: %v", err)
	}
	if n > 2 {
		t.Errorf("in flight = %d, exceeds ceiling of 2", n)
	}
}

func TestHandleSubtaskCompletion_CascadesToDependents(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()
	env.addWorker(t, "m1", 2)

	taskID := env.addTask(t)
	root := env.addSubtask(t, taskID, "")
	dependent := env.addSubtask(t, taskID, "", root)

	if res, err := env.alloc.Allocate(ctx, root); err != nil || res.Outcome != OutcomeAssigned {
		t.Fatalf("allocate root: %+v, %v", res, err)
	}

	result := env.sched.HandleSubtaskCompletion(ctx, root)
	if result.Err != "" {
		t.Fatalf("completion error: %s", result.Err)
	}
	if result.TaskCompleted {
		t.Error("task reported complete with a dependent outstanding")
	}
	if result.NewlyAllocated != 1 {
		t.Errorf("newly allocated = %d, want the unblocked dependent", result.NewlyAllocated)
	}

	st, _ := env.db.GetSubtask(ctx, dependent)
	if st.Status != models.SubtaskStatusInProgress {
		t.Errorf("dependent status = %s, want in_progress", st.Status)
	}
}

func TestHandleSubtaskCompletion_CompletesTask(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()
	env.addWorker(t, "m1", 2)

	taskID := env.addTask(t)
	stID := env.addSubtask(t, taskID, "")

	if res, err := env.alloc.Allocate(ctx, stID); err != nil || res.Outcome != OutcomeAssigned {
		t.Fatalf("allocate: %+v, %v", res, err)
	}

	sub := env.bus.Subscribe(bus.TopicTaskCompleted)
	defer env.bus.Unsubscribe(sub)

	result := env.sched.HandleSubtaskCompletion(ctx, stID)
	if result.Err != "" {
		t.Fatalf("completion error: %s", result.Err)
	}
	if !result.TaskCompleted {
		t.Error("task not reported complete")
	}

	task, _ := env.db.GetTask(ctx, taskID)
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("task status = %s, want completed", task.Status)
	}

	select {
	case ev := <-sub.Ch():
		if payload := ev.Payload.(bus.TaskCompletedEvent); payload.TaskID != taskID {
			t.Errorf("event task = %s, want %s", payload.TaskID, taskID)
		}
	default:
		t.Error("no task.completed event published")
	}
}

func TestHandleSubtaskCompletion_UnknownSubtask(t *testing.T) {
	env := setupEnv(t, nil)

	result := env.sched.HandleSubtaskCompletion(context.Background(), "missing")
	if result.Err == "" {
		t.Error("expected an error for an unknown subtask")
	}
}

func TestReportSubtaskFailure_CorrectionThenEscalation(t *testing.T) {
	env := setupEnv(t, func(cfg *config.Config) {
		cfg.Scheduler.MaxCorrections = 1
	})
	ctx := context.Background()
	workerID := env.addWorker(t, "m1", 2)
	taskID := env.addTask(t)
	stID := env.addSubtask(t, taskID, "")

	if res, err := env.alloc.Allocate(ctx, stID); err != nil || res.Outcome != OutcomeAssigned {
		t.Fatalf("allocate: %+v, %v", res, err)
	}

	status, err := env.sched.ReportSubtaskFailure(ctx, stID, "flaky output")
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if status != models.SubtaskStatusCorrecting {
		t.Fatalf("status = %s, want correcting within budget", status)
	}
	w, _ := env.db.GetWorker(ctx, workerID)
	if w.ActiveSubtasks != 0 {
		t.Errorf("worker load = %d, want slot released", w.ActiveSubtasks)
	}

	// The correcting subtask goes through allocation again and fails a
	// second time, exhausting the budget of 1.
	if res, err := env.alloc.Allocate(ctx, stID); err != nil || res.Outcome != OutcomeAssigned {
		t.Fatalf("reallocate: %+v, %v", res, err)
	}
	status, err = env.sched.ReportSubtaskFailure(ctx, stID, "flaky again")
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if status != models.SubtaskStatusFailed {
		t.Errorf("status = %s, want failed past the budget", status)
	}
}

func TestReportSubtaskFailure_EscalationDequeuesQueuedSubtask(t *testing.T) {
	env := setupEnv(t, func(cfg *config.Config) {
		cfg.Scheduler.MaxCorrections = 0
	})
	ctx := context.Background()
	taskID := env.addTask(t)
	stID := env.addSubtask(t, taskID, "browser")

	// No workers: the subtask parks on the queue.
	if res, err := env.alloc.Allocate(ctx, stID); err != nil || res.Outcome != OutcomeQueued {
		t.Fatalf("allocate: %+v, %v", res, err)
	}

	status, err := env.sched.ReportSubtaskFailure(ctx, stID, "manual abort")
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if status != models.SubtaskStatusFailed {
		t.Fatalf("status = %s, want failed with zero correction budget", status)
	}
	if n, _ := env.db.QueueLength(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0 after terminal failure", n)
	}

	// The next sweep must not see the dead entry.
	var result CycleResult
	env.sched.sweepQueue(ctx, &result)
	if result.SubtasksAllocated != 0 || len(result.Errors) != 0 {
		t.Errorf("sweep after escalation = %+v, want no activity", result)
	}
}

func TestSetScoringConfig_ConcurrentWithAllocation(t *testing.T) {
	env := setupEnv(t, func(cfg *config.Config) {
		cfg.Scheduler.MaxConcurrentSubtasks = 100
		cfg.Scheduler.MaxSubtasksPerWorker = 100
	})
	ctx := context.Background()
	env.addWorker(t, "m1", 2, "browser")
	taskID := env.addTask(t)

	// Hot-reload swaps the scorer while allocations are in flight; the
	// race detector flags any unguarded access.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			env.sched.SetScoringConfig(config.Default().Scoring)
		}
	}()
	for i := 0; i < 50; i++ {
		stID := env.addSubtask(t, taskID, "browser")
		if _, err := env.alloc.Allocate(ctx, stID); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	<-done
}

func TestScheduleTask_ManualDispatch(t *testing.T) {
	env := setupEnv(t, nil)
	env.addWorker(t, "m1", 2)
	taskID := env.addTask(t)
	env.addSubtask(t, taskID, "")

	res := env.sched.ScheduleTask(context.Background(), taskID)
	if res.Err != "" {
		t.Fatalf("schedule task: %s", res.Err)
	}
	if res.SubtasksAllocated != 1 {
		t.Errorf("allocated = %d, want 1", res.SubtasksAllocated)
	}
}

func TestScheduleTask_UnknownTask(t *testing.T) {
	env := setupEnv(t, nil)

	res := env.sched.ScheduleTask(context.Background(), "missing")
	if res.Err == "" {
		t.Error("expected an error for an unknown task")
	}
}

func TestStats(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()
	env.addWorker(t, "m1", 2)
	taskID := env.addTask(t)
	stID := env.addSubtask(t, taskID, "")
	env.addSubtask(t, taskID, "")

	if res, err := env.alloc.Allocate(ctx, stID); err != nil || res.Outcome != OutcomeAssigned {
		t.Fatalf("allocate: %+v, %v", res, err)
	}

	stats, err := env.sched.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveTasks != 1 {
		t.Errorf("active tasks = %d, want 1", stats.ActiveTasks)
	}
	if stats.InProgressCount != 1 {
		t.Errorf("in progress = %d, want 1", stats.InProgressCount)
	}
	if stats.SubtaskStatusCounts[models.SubtaskStatusPending] != 1 {
		t.Errorf("pending = %d, want 1", stats.SubtaskStatusCounts[models.SubtaskStatusPending])
	}
}

func TestStatus_ReflectsCycle(t *testing.T) {
	env := setupEnv(t, nil)

	status := env.sched.Status()
	if status.Running {
		t.Error("scheduler reported running before any cycle")
	}
	if status.LastCycle != nil {
		t.Error("last cycle set before any cycle ran")
	}

	env.sched.RunCycle(context.Background())

	status = env.sched.Status()
	if status.LastCycle == nil {
		t.Error("last cycle not recorded")
	}
}
