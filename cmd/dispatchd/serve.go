package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tasknet/dispatch/internal/bus"
	"github.com/tasknet/dispatch/internal/config"
	"github.com/tasknet/dispatch/internal/registry"
	"github.com/tasknet/dispatch/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Start the scheduling daemon.

The daemon runs the periodic allocation cycle, the worker liveness
sweep, and (when configured) a Prometheus /metrics endpoint. Scoring
weights are hot-reloaded when the config file changes; limits and
intervals require a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Log.Path != "" {
		logger, err := scheduler.NewDebugLogger(cfg.Log.Path)
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		defer logger.Close()
		scheduler.SetPackageLogger(logger)
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bus.New()
	reg := registry.New(db, cfg.Scheduler.MaxSubtasksPerWorker, cfg.Worker.HeartbeatTimeout, events)
	if err := reg.Refresh(ctx); err != nil {
		return fmt.Errorf("load worker registry: %w", err)
	}

	metrics := scheduler.NewMetrics(nil)
	scorer := scheduler.NewScorer(cfg.Scoring)
	alloc := scheduler.NewAllocator(db, reg, scorer, cfg.Scheduler, events, metrics)
	sched := scheduler.NewScheduler(db, reg, alloc, cfg.Scheduler, cfg.Worker, cfg.Store.QueryTimeout, events, metrics)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr)
	}

	watcher, err := watchScoringConfig(sched)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: config hot-reload disabled: %v\n", err)
	} else if watcher != nil {
		defer watcher.Close()
	}

	fmt.Printf("dispatchd serving: interval=%s max_concurrent=%d db=%s\n",
		cfg.Scheduler.Interval, cfg.Scheduler.MaxConcurrentSubtasks, db.Path())

	// Run one cycle immediately so a restart picks up pending work
	// without waiting a full interval.
	sched.RunCycle(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down\n", sig)
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Warning: metrics endpoint failed: %v\n", err)
	}
}

// watchScoringConfig reloads scoring weights when the active config
// file changes. Returns a nil watcher when no config file exists.
func watchScoringConfig(sched *scheduler.Scheduler) (*fsnotify.Watcher, error) {
	path := activeConfigFile()
	if path == "" {
		return nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := loadConfig()
				if err != nil {
					fmt.Fprintf(os.Stderr, "Warning: config reload failed: %v\n", err)
					continue
				}
				sched.SetScoringConfig(cfg.Scoring)
				fmt.Printf("Reloaded scoring weights from %s\n", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "Warning: config watcher: %v\n", err)
			}
		}
	}()

	return watcher, nil
}

// activeConfigFile resolves the config file the daemon is running
// with, highest precedence first.
func activeConfigFile() string {
	candidates := []string{configPath, config.GetProjectConfigPath(), config.GetUserConfigPath()}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
