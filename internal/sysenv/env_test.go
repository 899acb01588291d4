package sysenv

import (
	"reflect"
	"testing"

	"github.com/repopilot/repopilot/internal/config"
)

func TestHasCommand(t *testing.T) {
	if !HasCommand("ls") {
		t.Error("ls should be on PATH")
	}
	if HasCommand("definitely-not-a-real-command-xyz") {
		t.Error("nonexistent command should not resolve")
	}
}

func TestCondaRunPrefix(t *testing.T) {
	if got := CondaRunPrefix(""); got != nil {
		t.Errorf("empty env should yield nil prefix, got %v", got)
	}
	want := []string{"conda", "run", "-n", "dl2"}
	if got := CondaRunPrefix("dl2"); !reflect.DeepEqual(got, want) {
		t.Errorf("CondaRunPrefix = %v, want %v", got, want)
	}
}

func TestGetHealth(t *testing.T) {
	paths := &config.PathsConfig{
		RootDir:      "/srv/repopilot",
		ReposDir:     "/srv/repopilot/repos",
		StateDir:     "/srv/repopilot/state",
		WorktreesDir: "/srv/repopilot/worktrees",
	}

	report := GetHealth(paths)

	for _, name := range []string{"claude", "git", "python3", "node", "npm", "gh", "conda"} {
		if _, ok := report.Dependencies[name]; !ok {
			t.Errorf("dependencies missing probe for %q", name)
		}
	}
	if report.Status != "ok" && report.Status != "degraded" {
		t.Errorf("status = %q", report.Status)
	}
	if report.ToolEnv == "" {
		t.Error("tool env should be a name or \"none\"")
	}
	if report.Paths["root"] != "/srv/repopilot" {
		t.Errorf("paths.root = %q", report.Paths["root"])
	}
	if report.Paths["worktrees"] != "/srv/repopilot/worktrees" {
		t.Errorf("paths.worktrees = %q", report.Paths["worktrees"])
	}
}
