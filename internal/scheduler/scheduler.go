package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tasknet/dispatch/internal/bus"
	"github.com/tasknet/dispatch/internal/config"
	"github.com/tasknet/dispatch/internal/registry"
	"github.com/tasknet/dispatch/internal/state"
	"github.com/tasknet/dispatch/pkg/models"
)

// CycleResult aggregates the outcome of one scheduling cycle.
type CycleResult struct {
	// Skipped is true when a tick fired while a cycle was already
	// running; overlapping cycles are no-ops, not queued.
	Skipped bool `json:"skipped,omitempty"`
	// TasksProcessed is the number of active tasks walked.
	TasksProcessed int `json:"tasks_processed"`
	// SubtasksAllocated is the number of subtasks bound to workers.
	SubtasksAllocated int `json:"subtasks_allocated"`
	// SubtasksQueued is the number of subtasks deferred to the queue.
	SubtasksQueued int `json:"subtasks_queued"`
	// Errors collects per-subtask and per-task failures; they never
	// abort the rest of the cycle.
	Errors []string `json:"errors,omitempty"`
}

// CompletionResult is returned by HandleSubtaskCompletion.
type CompletionResult struct {
	// NewlyAllocated is the number of dependent subtasks allocated as
	// a direct consequence of this completion.
	NewlyAllocated int `json:"newly_allocated"`
	// TaskCompleted is true when the parent task is now fully complete.
	TaskCompleted bool `json:"task_completed"`
	// Err carries a best-effort failure description; partial progress
	// is still reported.
	Err string `json:"error,omitempty"`
}

// ScheduleResult is returned by ScheduleTask.
type ScheduleResult struct {
	// SubtasksAllocated is the number of subtasks bound to workers.
	SubtasksAllocated int `json:"subtasks_allocated"`
	// SubtasksQueued is the number of subtasks deferred to the queue.
	SubtasksQueued int `json:"subtasks_queued"`
	// Err carries a best-effort failure description.
	Err string `json:"error,omitempty"`
}

// Stats is a point-in-time view of scheduling state.
type Stats struct {
	ActiveTasks              int                          `json:"active_tasks"`
	AvailableWorkers         int                          `json:"available_workers"`
	SubtaskStatusCounts      map[models.SubtaskStatus]int `json:"subtask_status_counts"`
	QueueLength              int                          `json:"queue_length"`
	InProgressCount          int                          `json:"in_progress_count"`
	MaxConcurrentSubtasks    int                          `json:"max_concurrent_subtasks"`
	MaxSubtasksPerWorker     int                          `json:"max_subtasks_per_worker"`
	SchedulerIntervalSeconds int                          `json:"scheduler_interval_seconds"`
}

// Status is the externally observable scheduler state.
type Status struct {
	Running         bool       `json:"running"`
	IntervalSeconds int        `json:"interval_seconds"`
	LastCycle       *time.Time `json:"last_cycle,omitempty"`
}

// Scheduler runs the periodic scheduling cycle and the event-driven
// entry points. Correctness under interleaving comes from the
// allocator's per-subtask lock, not from serializing the scheduler: the
// periodic path is merely single-flight so ticks don't pile up.
type Scheduler struct {
	store     *state.DB
	registry  *registry.Registry
	allocator *Allocator
	cfg       config.SchedulerConfig
	workerCfg config.WorkerConfig
	// queryTimeout bounds each per-subtask allocation attempt.
	queryTimeout time.Duration
	events       *bus.Bus
	metrics      *Metrics

	cron *cron.Cron

	// mu protects running and lastCycle.
	mu        sync.RWMutex
	running   bool
	lastCycle *time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(store *state.DB, reg *registry.Registry, alloc *Allocator, cfg config.SchedulerConfig, workerCfg config.WorkerConfig, queryTimeout time.Duration, events *bus.Bus, metrics *Metrics) *Scheduler {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Scheduler{
		store:        store,
		registry:     reg,
		allocator:    alloc,
		cfg:          cfg,
		workerCfg:    workerCfg,
		queryTimeout: queryTimeout,
		events:       events,
		metrics:      metrics,
	}
}

// Start begins the periodic cycle and the worker liveness sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		s.RunCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule cycle: %w", err)
	}

	_, err = s.cron.AddFunc(fmt.Sprintf("@every %s", s.workerCfg.SweepInterval), func() {
		sweepCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
		if ids, err := s.registry.Sweep(sweepCtx); err != nil {
			debugLog("[scheduler] liveness sweep failed: %v", err)
		} else if len(ids) > 0 {
			debugLog("[scheduler] liveness sweep marked %d workers offline: %v", len(ids), ids)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule liveness sweep: %w", err)
	}

	s.cron.Start()
	debugLog("[scheduler] started: interval=%s sweep=%s", s.cfg.Interval, s.workerCfg.SweepInterval)
	return nil
}

// Stop halts the periodic triggers and waits for a running cycle job to
// return.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	debugLog("[scheduler] stopped")
}

// RunCycle executes one scheduling cycle: walk active tasks, allocate
// every ready subtask, then retry a bounded batch of queued subtasks.
// A tick arriving while a cycle is in progress returns immediately with
// Skipped set. A cycle never panics out of the periodic loop; per-task
// errors are collected and the next tick runs regardless.
func (s *Scheduler) RunCycle(ctx context.Context) CycleResult {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		debugLog("[scheduler] tick while cycle in progress, skipping")
		return CycleResult{Skipped: true}
	}
	s.running = true
	s.mu.Unlock()

	started := time.Now()
	var result CycleResult

	defer func() {
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cycle panic: %v", r))
			debugLog("[scheduler] cycle panic: %v", r)
		}
		now := time.Now()
		s.mu.Lock()
		s.running = false
		s.lastCycle = &now
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.CycleDuration.Observe(time.Since(started).Seconds())
		}
		s.refreshGauges(ctx)
	}()

	tasks, err := s.listActiveTasks(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list active tasks: %v", err))
		return result
	}

	for _, task := range tasks {
		allocated, queued, errs := s.allocateReadySubtasks(ctx, task.ID)
		result.TasksProcessed++
		result.SubtasksAllocated += allocated
		result.SubtasksQueued += queued
		result.Errors = append(result.Errors, errs...)
	}

	s.sweepQueue(ctx, &result)

	debugLog("[scheduler] cycle done: tasks=%d allocated=%d queued=%d errors=%d in %s",
		result.TasksProcessed, result.SubtasksAllocated, result.SubtasksQueued,
		len(result.Errors), time.Since(started))
	return result
}

// allocateReadySubtasks allocates every ready subtask of one task with
// bounded fan-out. Returns allocation tallies and collected errors.
func (s *Scheduler) allocateReadySubtasks(ctx context.Context, taskID string) (allocated, queued int, errs []string) {
	opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	subtasks, err := s.store.ListSubtasksByTask(opCtx, taskID)
	cancel()
	if err != nil {
		return 0, 0, []string{fmt.Sprintf("task %s: list subtasks: %v", taskID, err)}
	}

	graph := NewDependencyGraph()
	if err := graph.Build(subtasks); err != nil {
		return 0, 0, []string{fmt.Sprintf("task %s: %v", taskID, err)}
	}

	ready := graph.Ready()
	if len(ready) == 0 {
		return 0, 0, nil
	}
	debugLog("[scheduler] task %s has %d ready subtasks", taskID, len(ready))

	fanOut := s.cfg.FanOut
	if fanOut <= 0 {
		fanOut = 1
	}
	sem := make(chan struct{}, fanOut)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, st := range ready {
		wg.Add(1)
		sem <- struct{}{}
		go func(subtaskID string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.allocateOne(ctx, subtaskID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, fmt.Sprintf("subtask %s: %v", subtaskID, err))
			case res.Outcome == OutcomeAssigned:
				allocated++
			case res.Outcome == OutcomeQueued:
				queued++
			}
		}(st.ID)
	}
	wg.Wait()

	return allocated, queued, errs
}

// allocateOne runs a single allocation attempt under the per-attempt
// deadline. A deadline overrun converts to a deferred outcome so one
// stuck subtask cannot stall the cycle's fan-out.
func (s *Scheduler) allocateOne(ctx context.Context, subtaskID string) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	res, err := s.allocator.Allocate(attemptCtx, subtaskID)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		debugLog("[scheduler] allocation attempt for %s timed out", subtaskID)
		return Result{Outcome: OutcomeDeferred, Reason: "timeout"}, nil
	}
	return res, err
}

// sweepQueue retries a bounded batch of queued subtasks oldest-first.
// Entries exceeding the reallocation budget escalate to failed rather
// than retrying forever.
func (s *Scheduler) sweepQueue(ctx context.Context, result *CycleResult) {
	opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	entries, err := s.store.OldestQueueEntries(opCtx, s.cfg.AllocationBatchSize)
	cancel()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("read allocation queue: %v", err))
		return
	}

	for _, entry := range entries {
		res, err := s.allocateOne(ctx, entry.SubtaskID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("queued subtask %s: %v", entry.SubtaskID, err))
			continue
		}

		switch res.Outcome {
		case OutcomeAssigned:
			result.SubtasksAllocated++
		case OutcomeQueued:
			opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
			attempts, err := s.store.BumpQueueAttempts(opCtx, entry.SubtaskID)
			if err != nil {
				cancel()
				result.Errors = append(result.Errors, fmt.Sprintf("queued subtask %s: %v", entry.SubtaskID, err))
				continue
			}
			if attempts >= s.cfg.MaxQueueAttempts {
				reason := fmt.Sprintf("no eligible worker after %d reallocation attempts", attempts)
				if err := s.store.FailSubtask(opCtx, entry.SubtaskID, reason); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("escalate subtask %s: %v", entry.SubtaskID, err))
					cancel()
					continue
				}
				cancel()
				result.Errors = append(result.Errors, fmt.Sprintf("subtask %s: %s", entry.SubtaskID, reason))
				if s.metrics != nil {
					s.metrics.QueueEscalations.Inc()
				}
				if s.events != nil {
					s.events.Publish(bus.TopicSubtaskFailed, bus.SubtaskCompletedEvent{
						SubtaskID: entry.SubtaskID,
						Success:   false,
					})
				}
				continue
			}
			cancel()
		}
	}
}

// HandleSubtaskCompletion records a finished subtask, recomputes the
// parent task's aggregate status, and immediately allocates any
// dependents that just became ready instead of waiting for the next
// tick. Errors are reported in the result, never thrown; partial
// progress is always returned.
func (s *Scheduler) HandleSubtaskCompletion(ctx context.Context, subtaskID string) CompletionResult {
	var result CompletionResult

	opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	st, err := s.store.GetSubtask(opCtx, subtaskID)
	cancel()
	if err != nil {
		result.Err = err.Error()
		return result
	}

	if st.Status == models.SubtaskStatusInProgress {
		opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		err := s.store.CompleteSubtask(opCtx, subtaskID)
		cancel()
		if err != nil {
			result.Err = err.Error()
			return result
		}
		if st.AssignedWorker != "" {
			s.registry.NoteReleased(st.AssignedWorker)
		}
	}

	if s.events != nil {
		s.events.Publish(bus.TopicSubtaskCompleted, bus.SubtaskCompletedEvent{
			SubtaskID: subtaskID,
			TaskID:    st.TaskID,
			Success:   true,
		})
	}

	opCtx, cancel = context.WithTimeout(ctx, s.queryTimeout)
	taskStatus, err := s.store.RecomputeTaskStatus(opCtx, st.TaskID)
	cancel()
	if err != nil {
		result.Err = err.Error()
	} else if taskStatus == models.TaskStatusCompleted {
		result.TaskCompleted = true
		if s.events != nil {
			s.events.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: st.TaskID})
		}
	}

	// Cascade: allocate dependents that this completion unblocked.
	newlyReady, err := s.newlyReadyDependents(ctx, st)
	if err != nil {
		if result.Err == "" {
			result.Err = err.Error()
		}
		return result
	}
	for _, dep := range newlyReady {
		res, err := s.allocateOne(ctx, dep.ID)
		if err != nil {
			if result.Err == "" {
				result.Err = fmt.Sprintf("allocate dependent %s: %v", dep.ID, err)
			}
			continue
		}
		if res.Outcome == OutcomeAssigned {
			result.NewlyAllocated++
		}
	}

	return result
}

// ReportSubtaskFailure sends a failed subtask back through the
// allocation path as correcting, or escalates it to failed once its
// correction budget is exhausted. The correction counter is enforced
// here at the transition layer, not inside the allocator.
func (s *Scheduler) ReportSubtaskFailure(ctx context.Context, subtaskID, reason string) (models.SubtaskStatus, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	st, err := s.store.GetSubtask(opCtx, subtaskID)
	if err != nil {
		return "", err
	}

	status, err := s.store.MarkCorrecting(opCtx, subtaskID, s.cfg.MaxCorrections)
	if err != nil {
		return "", err
	}
	if st.Status == models.SubtaskStatusInProgress && st.AssignedWorker != "" {
		s.registry.NoteReleased(st.AssignedWorker)
	}

	if s.events != nil {
		s.events.Publish(bus.TopicSubtaskFailed, bus.SubtaskCompletedEvent{
			SubtaskID: subtaskID,
			TaskID:    st.TaskID,
			Success:   false,
		})
	}

	if status == models.SubtaskStatusFailed {
		if _, err := s.store.RecomputeTaskStatus(opCtx, st.TaskID); err != nil {
			debugLog("[scheduler] recompute task %s after escalation: %v", st.TaskID, err)
		}
	}
	return status, nil
}

// ScheduleTask allocates the ready subtasks of a single task. Used by
// explicit rescan triggers.
func (s *Scheduler) ScheduleTask(ctx context.Context, taskID string) ScheduleResult {
	var result ScheduleResult

	opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	_, err := s.store.GetTask(opCtx, taskID)
	cancel()
	if err != nil {
		result.Err = err.Error()
		return result
	}

	allocated, queued, errs := s.allocateReadySubtasks(ctx, taskID)
	result.SubtasksAllocated = allocated
	result.SubtasksQueued = queued
	if len(errs) > 0 {
		result.Err = errs[0]
	}
	return result
}

// Stats returns a point-in-time view of scheduling state.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	stats := Stats{
		AvailableWorkers:         s.registry.CountAvailable(),
		MaxConcurrentSubtasks:    s.cfg.MaxConcurrentSubtasks,
		MaxSubtasksPerWorker:     s.cfg.MaxSubtasksPerWorker,
		SchedulerIntervalSeconds: int(s.cfg.Interval / time.Second),
	}

	var err error
	if stats.ActiveTasks, err = s.store.CountActiveTasks(opCtx); err != nil {
		return stats, err
	}
	if stats.SubtaskStatusCounts, err = s.store.SubtaskStatusCounts(opCtx); err != nil {
		return stats, err
	}
	if stats.QueueLength, err = s.store.QueueLength(opCtx); err != nil {
		return stats, err
	}
	stats.InProgressCount = stats.SubtaskStatusCounts[models.SubtaskStatusInProgress]
	return stats, nil
}

// Status returns the externally observable scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Running:         s.running,
		IntervalSeconds: int(s.cfg.Interval / time.Second),
		LastCycle:       s.lastCycle,
	}
}

// SetScoringConfig swaps the allocator's scoring weights at runtime.
// Used by config hot-reload; limits and intervals require a restart.
func (s *Scheduler) SetScoringConfig(cfg config.ScoringConfig) {
	s.allocator.SetScorer(NewScorer(cfg))
}

func (s *Scheduler) listActiveTasks(ctx context.Context) ([]*models.Task, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.store.ListActiveTasks(opCtx)
}

// newlyReadyDependents returns dependents of the given subtask whose
// dependency sets are now fully completed.
func (s *Scheduler) newlyReadyDependents(ctx context.Context, st *models.Subtask) ([]*models.Subtask, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	subtasks, err := s.store.ListSubtasksByTask(opCtx, st.TaskID)
	if err != nil {
		return nil, err
	}

	graph := NewDependencyGraph()
	if err := graph.Build(subtasks); err != nil {
		return nil, err
	}

	ready := graph.Ready()
	dependents := make(map[string]bool)
	for _, id := range graph.Dependents(st.ID) {
		dependents[id] = true
	}

	var out []*models.Subtask
	for _, r := range ready {
		if dependents[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// refreshGauges updates the point-in-time metrics after a cycle.
func (s *Scheduler) refreshGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if n, err := s.store.CountInProgress(opCtx); err == nil {
		s.metrics.SubtasksInFlight.Set(float64(n))
	}
	if n, err := s.store.QueueLength(opCtx); err == nil {
		s.metrics.QueueLength.Set(float64(n))
	}
	s.metrics.WorkersAvailable.Set(float64(s.registry.CountAvailable()))
}
