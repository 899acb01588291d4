// Package sysenv probes the host environment: which external tools are
// present on PATH, which conda environment to run tools in, and the
// health report exposed over HTTP.
package sysenv

import (
	"os/exec"
	"strings"
)

// HasCommand reports whether name resolves on PATH.
func HasCommand(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// SelectCondaEnv picks the conda environment used for tool invocations:
// preferred if it exists, else fallback, else "". Returns "" when conda
// is not installed or cannot be queried.
func SelectCondaEnv(preferred, fallback string) string {
	if !HasCommand("conda") {
		return ""
	}
	out, err := exec.Command("conda", "env", "list").Output()
	if err != nil {
		return ""
	}

	envs := make(map[string]bool)
	for _, raw := range strings.Split(string(out), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := strings.Fields(line)[0]
		if name == "*" {
			continue
		}
		envs[name] = true
	}

	if envs[preferred] {
		return preferred
	}
	if envs[fallback] {
		return fallback
	}
	return ""
}

// DefaultCondaEnv applies the standard preferred/fallback pair.
func DefaultCondaEnv() string {
	return SelectCondaEnv("dl2", "base")
}

// CondaRunPrefix returns the argv prefix that runs a command inside the
// selected environment, or nil when no environment is selected.
func CondaRunPrefix(selectedEnv string) []string {
	if selectedEnv == "" {
		return nil
	}
	return []string{"conda", "run", "-n", selectedEnv}
}
