// Package config holds the backend configuration, loaded through viper
// from an optional YAML file plus environment variables, and the
// process-wide execution-mode setting.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete RepoPilot configuration.
type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// PathsConfig locates the working directories. Only RootDir is required;
// the rest default to subdirectories of it.
type PathsConfig struct {
	// RootDir is the base directory for all state. Empty means the
	// current working directory.
	RootDir string `mapstructure:"root_dir"`
	// ReposDir holds the managed git clones (default: <root>/repos)
	ReposDir string `mapstructure:"repos_dir"`
	// StateDir holds the JSON collections, locks and logs (default: <root>/state)
	StateDir string `mapstructure:"state_dir"`
	// WorktreesDir holds per-task git worktrees (default: <root>/worktrees)
	WorktreesDir string `mapstructure:"worktrees_dir"`
	// ArtifactsDir holds failure snapshots (default: <state>/artifacts)
	ArtifactsDir string `mapstructure:"artifacts_dir"`
}

// SchedulerConfig controls the worker pool and the janitor.
type SchedulerConfig struct {
	// Workers is the number of concurrent task workers
	Workers int `mapstructure:"workers"`
	// LogsRetentionDays is how long per-task event logs are kept.
	// 0 or negative disables cleanup.
	LogsRetentionDays int `mapstructure:"logs_retention_days"`
}

// RunnerConfig controls agent subprocess execution.
type RunnerConfig struct {
	// TimeoutSeconds is the wall-clock limit for one agent run
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// TestTimeoutSeconds is the limit for the repo test command
	TestTimeoutSeconds int `mapstructure:"test_timeout_seconds"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address (default ":8020")
	Addr string `mapstructure:"addr"`
}

// LoggingConfig controls the backend log.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			RootDir: "",
		},
		Scheduler: SchedulerConfig{
			Workers:           3,
			LogsRetentionDays: 30,
		},
		Runner: RunnerConfig{
			TimeoutSeconds:     2700, // 45 minutes
			TestTimeoutSeconds: 1200,
		},
		Server: ServerConfig{
			Addr: ":8020",
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("paths.root_dir", defaults.Paths.RootDir)
	viper.SetDefault("paths.repos_dir", defaults.Paths.ReposDir)
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.worktrees_dir", defaults.Paths.WorktreesDir)
	viper.SetDefault("paths.artifacts_dir", defaults.Paths.ArtifactsDir)

	viper.SetDefault("scheduler.workers", defaults.Scheduler.Workers)
	viper.SetDefault("scheduler.logs_retention_days", defaults.Scheduler.LogsRetentionDays)

	viper.SetDefault("runner.timeout_seconds", defaults.Runner.TimeoutSeconds)
	viper.SetDefault("runner.test_timeout_seconds", defaults.Runner.TestTimeoutSeconds)

	viper.SetDefault("server.addr", defaults.Server.Addr)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct, resolves
// derived paths and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePaths fills unset directories from the root and makes all paths
// absolute.
func (c *Config) ResolvePaths() error {
	root := c.Paths.RootDir
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve root dir: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root dir: %w", err)
	}
	c.Paths.RootDir = abs

	if c.Paths.ReposDir == "" {
		c.Paths.ReposDir = filepath.Join(abs, "repos")
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(abs, "state")
	}
	if c.Paths.WorktreesDir == "" {
		c.Paths.WorktreesDir = filepath.Join(abs, "worktrees")
	}
	if c.Paths.ArtifactsDir == "" {
		c.Paths.ArtifactsDir = filepath.Join(c.Paths.StateDir, "artifacts")
	}
	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Runner.TimeoutSeconds < 1 {
		return fmt.Errorf("runner.timeout_seconds must be positive, got %d", c.Runner.TimeoutSeconds)
	}
	if c.Runner.TestTimeoutSeconds < 1 {
		return fmt.Errorf("runner.test_timeout_seconds must be positive, got %d", c.Runner.TestTimeoutSeconds)
	}
	return nil
}

// Timeout returns the agent run limit as a time.Duration.
func (c *RunnerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TestTimeout returns the test command limit as a time.Duration.
func (c *RunnerConfig) TestTimeout() time.Duration {
	return time.Duration(c.TestTimeoutSeconds) * time.Second
}

// LogsDir returns the directory holding event logs and the backend log.
func (c *PathsConfig) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// LocksDir returns the directory holding advisory lock files.
func (c *PathsConfig) LocksDir() string {
	return filepath.Join(c.StateDir, "locks")
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "repopilot")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".repopilot"
	}
	return filepath.Join(home, ".config", "repopilot")
}

// ConfigFile returns the path to the user config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
