// Package config handles configuration loading and management for dispatch.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for dispatch.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// SchedulerConfig holds scheduling and allocation limits.
type SchedulerConfig struct {
	// Interval is how often the periodic scheduling cycle runs.
	Interval time.Duration `mapstructure:"interval"`
	// MaxConcurrentSubtasks is the system-wide in-flight ceiling.
	MaxConcurrentSubtasks int `mapstructure:"max_concurrent_subtasks"`
	// MaxSubtasksPerWorker is the per-worker concurrency cap.
	MaxSubtasksPerWorker int `mapstructure:"max_subtasks_per_worker"`
	// MaxQueueAttempts is the reallocation budget for a queued subtask
	// before it escalates to failed.
	MaxQueueAttempts int `mapstructure:"max_queue_attempts"`
	// AllocationBatchSize is the number of queue entries one cycle's
	// sweep retries.
	AllocationBatchSize int `mapstructure:"allocation_batch_size"`
	// CASRetries is the bounded retry count for commit conflicts.
	CASRetries int `mapstructure:"cas_retries"`
	// FanOut is the bounded allocation concurrency inside one cycle.
	FanOut int `mapstructure:"fan_out"`
	// LockTTL is the lifetime of a per-subtask allocation lock.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// MaxCorrections is the rework budget per subtask.
	MaxCorrections int `mapstructure:"max_corrections"`
}

// WorkerConfig holds worker liveness settings.
type WorkerConfig struct {
	// HeartbeatTimeout is how stale a heartbeat may be before the
	// liveness sweep marks the worker offline.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ScoringConfig holds candidate-ranking weights. The three weights
// should sum to 1.0.
type ScoringConfig struct {
	// ToolWeight weighs the tool-match sub-score.
	ToolWeight float64 `mapstructure:"tool_weight"`
	// ResourceWeight weighs the resource-availability sub-score.
	ResourceWeight float64 `mapstructure:"resource_weight"`
	// PrivacyWeight weighs the trust-tier sub-score.
	PrivacyWeight float64 `mapstructure:"privacy_weight"`
	// ToolPartialCredit is the tool-match score for workers that do not
	// advertise the recommended tool.
	ToolPartialCredit float64 `mapstructure:"tool_partial_credit"`
	// StrictPrivacy hard-excludes workers below the required trust tier
	// instead of merely zeroing their privacy sub-score.
	StrictPrivacy bool `mapstructure:"strict_privacy"`
}

// StoreConfig holds durable storage settings.
type StoreConfig struct {
	// Path is the SQLite database location. Empty means the default
	// XDG data path.
	Path string `mapstructure:"path"`
	// QueryTimeout bounds every store operation.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Addr is the listen address for the /metrics endpoint.
	// Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// LogConfig holds debug log settings.
type LogConfig struct {
	// Path is the debug log file. Empty disables debug logging.
	Path string `mapstructure:"path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (DISPATCH_*)
// 2. Project config (.dispatch.yaml in current directory or parent)
// 3. User config (~/.config/dispatch/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DISPATCH")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Scheduler defaults
	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.max_concurrent_subtasks", 10)
	v.SetDefault("scheduler.max_subtasks_per_worker", 1)
	v.SetDefault("scheduler.max_queue_attempts", 3)
	v.SetDefault("scheduler.allocation_batch_size", 10)
	v.SetDefault("scheduler.cas_retries", 3)
	v.SetDefault("scheduler.fan_out", 4)
	v.SetDefault("scheduler.lock_ttl", "10s")
	v.SetDefault("scheduler.max_corrections", 3)

	// Worker liveness defaults
	v.SetDefault("worker.heartbeat_timeout", "90s")
	v.SetDefault("worker.sweep_interval", "30s")

	// Scoring defaults
	v.SetDefault("scoring.tool_weight", 0.5)
	v.SetDefault("scoring.resource_weight", 0.3)
	v.SetDefault("scoring.privacy_weight", 0.2)
	v.SetDefault("scoring.tool_partial_credit", 0.0)
	v.SetDefault("scoring.strict_privacy", false)

	// Store defaults
	v.SetDefault("store.path", "")
	v.SetDefault("store.query_timeout", "5s")

	// Metrics defaults
	v.SetDefault("metrics.addr", "")

	// Log defaults
	v.SetDefault("log.path", "")
}

// getUserConfigDir returns the XDG config directory for dispatch.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dispatch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "dispatch")
	}
	return filepath.Join(home, ".config", "dispatch")
}

// findProjectConfig searches for .dispatch.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".dispatch.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Interval:              30 * time.Second,
			MaxConcurrentSubtasks: 10,
			MaxSubtasksPerWorker:  1,
			MaxQueueAttempts:      3,
			AllocationBatchSize:   10,
			CASRetries:            3,
			FanOut:                4,
			LockTTL:               10 * time.Second,
			MaxCorrections:        3,
		},
		Worker: WorkerConfig{
			HeartbeatTimeout: 90 * time.Second,
			SweepInterval:    30 * time.Second,
		},
		Scoring: ScoringConfig{
			ToolWeight:     0.5,
			ResourceWeight: 0.3,
			PrivacyWeight:  0.2,
		},
		Store: StoreConfig{
			QueryTimeout: 5 * time.Second,
		},
	}
}
