package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasknet/dispatch/internal/config"
	"github.com/tasknet/dispatch/internal/state"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Distributed subtask allocation engine",
	Long: `Dispatchd binds pending subtasks to eligible workers.

It runs a periodic scheduling cycle over all active tasks, scores
candidate workers on tool match, resource headroom and trust tier,
and commits assignments atomically. Subtasks with no eligible worker
wait in a durable FIFO queue and are retried each cycle.

Run 'dispatchd serve' to start the scheduler daemon, then submit
tasks with 'dispatchd submit <manifest.yaml>'.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: XDG config, then .dispatch.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// openStore opens the state database and applies pending migrations.
func openStore(cfg *config.Config) (*state.DB, error) {
	path := cfg.Store.Path
	if path == "" {
		path = state.DefaultDBPath()
	}
	db, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}
