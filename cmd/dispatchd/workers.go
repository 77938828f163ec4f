package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tasknet/dispatch/pkg/models"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	RunE:  runWorkers,
}

func runWorkers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.QueryTimeout)
	defer cancel()

	workers, err := db.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	if len(workers) == 0 {
		fmt.Println("No workers registered.")
		return nil
	}

	fmt.Printf("%-38s %-16s %-8s %-6s %-6s %-24s %s\n",
		"ID", "NAME", "STATUS", "LOAD", "TRUST", "CAPABILITIES", "LAST HEARTBEAT")
	for _, w := range workers {
		c := color.New(workerColor(w.Status))
		fmt.Printf("%-38s %-16s %s %-6s %-6d %-24s %s\n",
			w.ID, w.Name,
			c.Sprintf("%-8s", string(w.Status)),
			fmt.Sprintf("%d", w.ActiveSubtasks),
			w.TrustTier,
			strings.Join(w.Capabilities, ","),
			formatAge(w.LastHeartbeat))
	}
	return nil
}

func workerColor(status models.WorkerStatus) color.Attribute {
	switch status {
	case models.WorkerStatusOnline, models.WorkerStatusIdle:
		return color.FgGreen
	case models.WorkerStatusBusy:
		return color.FgYellow
	default:
		return color.FgRed
	}
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t).Round(time.Second)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("%s ago", age)
}
