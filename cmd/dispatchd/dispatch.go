package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tasknet/dispatch/internal/bus"
	"github.com/tasknet/dispatch/internal/config"
	"github.com/tasknet/dispatch/internal/registry"
	"github.com/tasknet/dispatch/internal/scheduler"
	"github.com/tasknet/dispatch/internal/state"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <task-id>",
	Short: "Allocate a task's ready subtasks now",
	Long: `Walk one task's dependency graph and allocate every ready
subtask immediately, without waiting for the daemon's next cycle.
Safe to run alongside a serving daemon: assignments are committed
atomically, so the same subtask is never handed out twice.`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sched := newLocalScheduler(cfg, db)
	res := sched.ScheduleTask(context.Background(), args[0])
	if res.Err != "" {
		return fmt.Errorf("dispatch task %s: %s", args[0], res.Err)
	}
	fmt.Printf("Dispatched task %s: %d allocated, %d queued\n",
		args[0], res.SubtasksAllocated, res.SubtasksQueued)
	return nil
}

// newLocalScheduler builds a scheduler for one-shot CLI use. It shares
// the daemon's database but runs no periodic jobs and registers no
// metrics, so it can coexist with a serving daemon.
func newLocalScheduler(cfg *config.Config, db *state.DB) *scheduler.Scheduler {
	events := bus.New()
	reg := registry.New(db, cfg.Scheduler.MaxSubtasksPerWorker, cfg.Worker.HeartbeatTimeout, events)
	if err := reg.Refresh(context.Background()); err != nil {
		warnf("load worker registry: %v", err)
	}
	scorer := scheduler.NewScorer(cfg.Scoring)
	alloc := scheduler.NewAllocator(db, reg, scorer, cfg.Scheduler, events, nil)
	return scheduler.NewScheduler(db, reg, alloc, cfg.Scheduler, cfg.Worker, cfg.Store.QueryTimeout, events, nil)
}

func warnf(format string, args ...any) {
	fmt.Printf("Warning: "+format+"\n", args...)
}
