package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var completeFailed bool
var completeReason string

var completeCmd = &cobra.Command{
	Use:   "complete <subtask-id>",
	Short: "Report a subtask result",
	Long: `Record the outcome of a subtask.

On success the worker's slot is released, the parent task's status is
recomputed, and any dependents that just became unblocked are
allocated immediately. With --failed the subtask re-enters the
allocation path for another attempt, or is marked failed once its
correction budget is spent.`,
	Args: cobra.ExactArgs(1),
	RunE: runComplete,
}

func init() {
	completeCmd.Flags().BoolVar(&completeFailed, "failed", false, "Report failure instead of success")
	completeCmd.Flags().StringVar(&completeReason, "reason", "", "Failure reason (with --failed)")
}

func runComplete(cmd *cobra.Command, args []string) error {
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
	ctx := context.Background()

	if completeFailed {
		status, err := sched.ReportSubtaskFailure(ctx, args[0], completeReason)
		if err != nil {
			return fmt.Errorf("report failure: %w", err)
		}
		fmt.Printf("Subtask %s is now %s\n", args[0], status)
		return nil
	}

	res := sched.HandleSubtaskCompletion(ctx, args[0])
	if res.Err != "" {
		return fmt.Errorf("complete subtask %s: %s", args[0], res.Err)
	}
	fmt.Printf("Subtask %s completed", args[0])
	if res.NewlyAllocated > 0 {
		fmt.Printf(", %d dependents allocated", res.NewlyAllocated)
	}
	if res.TaskCompleted {
		fmt.Print(", task complete")
	}
	fmt.Println()
	return nil
}
