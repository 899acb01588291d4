package config

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/repopilot/repopilot/internal/model"
)

// ExecModeEnv is the environment variable providing the startup default
// for the execution mode.
const ExecModeEnv = "REPOPILOT_EXEC_MODE"

// execMode is the process-wide execution mode. A runtime override through
// the settings endpoint wins over the environment default.
var execMode atomic.Value

func init() {
	execMode.Store(execModeFromEnv())
}

func execModeFromEnv() model.ExecMode {
	if mode, ok := ParseExecMode(os.Getenv(ExecModeEnv)); ok {
		return mode
	}
	return model.ExecAgentic
}

// ParseExecMode validates a user-supplied execution mode string.
func ParseExecMode(s string) (model.ExecMode, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(model.ExecAgentic):
		return model.ExecAgentic, true
	case string(model.ExecFixed):
		return model.ExecFixed, true
	}
	return "", false
}

// CurrentExecMode returns the active execution mode.
func CurrentExecMode() model.ExecMode {
	return execMode.Load().(model.ExecMode)
}

// SetExecMode overrides the execution mode for the rest of the process
// lifetime.
func SetExecMode(mode model.ExecMode) {
	execMode.Store(mode)
}

// ResetExecMode restores the environment-derived default. Test helper.
func ResetExecMode() {
	execMode.Store(execModeFromEnv())
}
