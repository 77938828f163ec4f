package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.Interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.MaxConcurrentSubtasks != 10 {
		t.Errorf("max_concurrent_subtasks = %d, want 10", cfg.Scheduler.MaxConcurrentSubtasks)
	}
	if cfg.Scheduler.MaxSubtasksPerWorker != 1 {
		t.Errorf("max_subtasks_per_worker = %d, want 1", cfg.Scheduler.MaxSubtasksPerWorker)
	}

	sum := cfg.Scoring.ToolWeight + cfg.Scoring.ResourceWeight + cfg.Scoring.PrivacyWeight
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("scoring weights sum to %v, want 1.0", sum)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
scheduler:
  interval: 5s
  max_concurrent_subtasks: 3
scoring:
  strict_privacy: true
worker:
  heartbeat_timeout: 45s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Scheduler.Interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.MaxConcurrentSubtasks != 3 {
		t.Errorf("max_concurrent_subtasks = %d, want 3", cfg.Scheduler.MaxConcurrentSubtasks)
	}
	if !cfg.Scoring.StrictPrivacy {
		t.Error("strict_privacy not applied")
	}
	if cfg.Worker.HeartbeatTimeout != 45*time.Second {
		t.Errorf("heartbeat_timeout = %v, want 45s", cfg.Worker.HeartbeatTimeout)
	}

	// Unset keys keep their defaults.
	if cfg.Scheduler.MaxQueueAttempts != 3 {
		t.Errorf("max_queue_attempts = %d, want default 3", cfg.Scheduler.MaxQueueAttempts)
	}
	if cfg.Scoring.ToolWeight != 0.5 {
		t.Errorf("tool_weight = %v, want default 0.5", cfg.Scoring.ToolWeight)
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_UsesDefaultsWithoutConfigFiles(t *testing.T) {
	// Point the XDG config home somewhere empty so no user config is found.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	empty := t.TempDir()
	if err := os.Chdir(empty); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scheduler.MaxConcurrentSubtasks != 10 {
		t.Errorf("max_concurrent_subtasks = %d, want default 10", cfg.Scheduler.MaxConcurrentSubtasks)
	}
	if cfg.Store.QueryTimeout != 5*time.Second {
		t.Errorf("query_timeout = %v, want default 5s", cfg.Store.QueryTimeout)
	}
}
