package sysenv

import (
	"github.com/repopilot/repopilot/internal/config"
)

// HealthReport is the payload of the health endpoint.
type HealthReport struct {
	Status       string            `json:"status"`
	ToolEnv      string            `json:"python_env_selected"`
	Dependencies map[string]bool   `json:"dependencies"`
	Paths        map[string]string `json:"paths"`
}

// healthCommands are the external tools probed by the health report.
var healthCommands = []string{"claude", "git", "python3", "node", "npm", "gh", "conda"}

// GetHealth probes the external tools and reports degraded when any of
// the tools the pipeline cannot work without is missing.
func GetHealth(paths *config.PathsConfig) *HealthReport {
	deps := make(map[string]bool, len(healthCommands))
	for _, name := range healthCommands {
		deps[name] = HasCommand(name)
	}

	selected := DefaultCondaEnv()
	if selected == "" {
		selected = "none"
	}

	status := "degraded"
	if deps["claude"] && deps["git"] && deps["python3"] {
		status = "ok"
	}

	return &HealthReport{
		Status:       status,
		ToolEnv:      selected,
		Dependencies: deps,
		Paths: map[string]string{
			"root":      paths.RootDir,
			"repos":     paths.ReposDir,
			"state":     paths.StateDir,
			"worktrees": paths.WorktreesDir,
		},
	}
}
