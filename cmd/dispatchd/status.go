package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tasknet/dispatch/internal/state"
	"github.com/tasknet/dispatch/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduling state",
	Long: `Display a point-in-time view of the scheduler.

Shows:
  - Active tasks and available workers
  - Subtask counts by status
  - In-flight subtasks against the concurrency ceiling
  - Allocation queue depth`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No state database. Run 'dispatchd serve' to start.")
		return nil
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sched := newLocalScheduler(cfg, db)
	stats, err := sched.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	fmt.Printf("Active tasks:      %d\n", stats.ActiveTasks)
	fmt.Printf("Available workers: %d\n", stats.AvailableWorkers)
	fmt.Printf("In flight:         %d / %d (per worker max %d)\n",
		stats.InProgressCount, stats.MaxConcurrentSubtasks, stats.MaxSubtasksPerWorker)
	fmt.Printf("Queued for retry:  %d\n", stats.QueueLength)
	fmt.Printf("Cycle interval:    %ds\n", stats.SchedulerIntervalSeconds)

	if len(stats.SubtaskStatusCounts) > 0 {
		fmt.Println("\nSubtasks:")
		order := []models.SubtaskStatus{
			models.SubtaskStatusPending,
			models.SubtaskStatusQueued,
			models.SubtaskStatusInProgress,
			models.SubtaskStatusCorrecting,
			models.SubtaskStatusCompleted,
			models.SubtaskStatusFailed,
		}
		for _, status := range order {
			n, ok := stats.SubtaskStatusCounts[status]
			if !ok {
				continue
			}
			c := color.New(statusColor(status))
			fmt.Printf("  %s %d\n", c.Sprintf("%-12s", string(status)), n)
		}
	}
	return nil
}

func statusColor(status models.SubtaskStatus) color.Attribute {
	switch status {
	case models.SubtaskStatusCompleted:
		return color.FgGreen
	case models.SubtaskStatusInProgress:
		return color.FgCyan
	case models.SubtaskStatusFailed:
		return color.FgRed
	case models.SubtaskStatusCorrecting, models.SubtaskStatusQueued:
		return color.FgYellow
	default:
		return color.FgWhite
	}
}
