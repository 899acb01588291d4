package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/repopilot/repopilot/internal/model"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.LogsRetentionDays != 30 {
		t.Errorf("LogsRetentionDays = %d, want 30", cfg.Scheduler.LogsRetentionDays)
	}
	if cfg.Runner.TimeoutSeconds != 2700 {
		t.Errorf("TimeoutSeconds = %d, want 2700", cfg.Runner.TimeoutSeconds)
	}
	if cfg.Server.Addr != ":8020" {
		t.Errorf("Addr = %q, want :8020", cfg.Server.Addr)
	}
	if cfg.Logging.MaxSizeMB != 10 || cfg.Logging.MaxBackups != 5 {
		t.Errorf("Logging rotation = %d/%d, want 10/5", cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Scheduler.Workers)
	}
	if cfg.Runner.TestTimeoutSeconds != 1200 {
		t.Errorf("TestTimeoutSeconds = %d, want 1200", cfg.Runner.TestTimeoutSeconds)
	}
}

func TestResolvePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Paths.RootDir = root

	if err := cfg.ResolvePaths(); err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}

	if cfg.Paths.ReposDir != filepath.Join(root, "repos") {
		t.Errorf("ReposDir = %q", cfg.Paths.ReposDir)
	}
	if cfg.Paths.StateDir != filepath.Join(root, "state") {
		t.Errorf("StateDir = %q", cfg.Paths.StateDir)
	}
	if cfg.Paths.WorktreesDir != filepath.Join(root, "worktrees") {
		t.Errorf("WorktreesDir = %q", cfg.Paths.WorktreesDir)
	}
	if cfg.Paths.ArtifactsDir != filepath.Join(root, "state", "artifacts") {
		t.Errorf("ArtifactsDir = %q", cfg.Paths.ArtifactsDir)
	}
	if cfg.Paths.LogsDir() != filepath.Join(root, "state", "logs") {
		t.Errorf("LogsDir = %q", cfg.Paths.LogsDir())
	}
	if cfg.Paths.LocksDir() != filepath.Join(root, "state", "locks") {
		t.Errorf("LocksDir = %q", cfg.Paths.LocksDir())
	}
}

func TestResolvePaths_KeepsExplicitDirs(t *testing.T) {
	root := t.TempDir()
	custom := filepath.Join(root, "elsewhere")

	cfg := Default()
	cfg.Paths.RootDir = root
	cfg.Paths.ReposDir = custom

	if err := cfg.ResolvePaths(); err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if cfg.Paths.ReposDir != custom {
		t.Errorf("ReposDir = %q, want %q", cfg.Paths.ReposDir, custom)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }, true},
		{"zero timeout", func(c *Config) { c.Runner.TimeoutSeconds = 0 }, true},
		{"zero test timeout", func(c *Config) { c.Runner.TestTimeoutSeconds = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunnerConfig_Durations(t *testing.T) {
	rc := RunnerConfig{TimeoutSeconds: 2700, TestTimeoutSeconds: 1200}
	if rc.Timeout() != 45*time.Minute {
		t.Errorf("Timeout = %v, want 45m", rc.Timeout())
	}
	if rc.TestTimeout() != 20*time.Minute {
		t.Errorf("TestTimeout = %v, want 20m", rc.TestTimeout())
	}
}

func TestParseExecMode(t *testing.T) {
	tests := []struct {
		in   string
		want model.ExecMode
		ok   bool
	}{
		{"AGENTIC", model.ExecAgentic, true},
		{"agentic", model.ExecAgentic, true},
		{" FIXED ", model.ExecFixed, true},
		{"", "", false},
		{"bogus", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseExecMode(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseExecMode(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExecModeOverride(t *testing.T) {
	defer ResetExecMode()

	if got := CurrentExecMode(); got != model.ExecAgentic {
		t.Fatalf("default exec mode = %v, want AGENTIC", got)
	}

	SetExecMode(model.ExecFixed)
	if got := CurrentExecMode(); got != model.ExecFixed {
		t.Errorf("after SetExecMode, got %v, want FIXED", got)
	}

	ResetExecMode()
	if got := CurrentExecMode(); got != model.ExecAgentic {
		t.Errorf("after ResetExecMode, got %v, want AGENTIC", got)
	}
}
