package runner

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/repopilot/repopilot/internal/model"
)

// waitAfterStream bounds how long a terminated process may take to exit
// before it is killed.
const waitAfterStream = 15 * time.Second

// resumeFallbackPatterns match agent errors that mean the stored session
// is gone and a fresh one should be created.
var resumeFallbackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)session id .*not found`),
	regexp.MustCompile(`(?i)failed to resume`),
	regexp.MustCompile(`(?i)unable to resume`),
	regexp.MustCompile(`(?i)cannot resume`),
	regexp.MustCompile(`(?i)invalid session`),
	regexp.MustCompile(`(?i)session .*does not exist`),
}

func isResumeRecoverableError(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, pattern := range resumeFallbackPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// ensureTaskSessionID returns the task's agent session id, allocating and
// persisting a fresh one when the task has none. The second return value
// reports whether the session was just created.
func (r *Runner) ensureTaskSessionID(task *model.Task) (string, bool) {
	if task.ClaudeSessionID != nil && *task.ClaudeSessionID != "" {
		return *task.ClaudeSessionID, false
	}

	// Another run may have persisted a session since the task was claimed.
	if latest, err := r.store.GetTask(task.ID); err == nil &&
		latest.ClaudeSessionID != nil && *latest.ClaudeSessionID != "" {
		task.ClaudeSessionID = latest.ClaudeSessionID
		return *latest.ClaudeSessionID, false
	}

	sessionID := r.newSessionID()
	patched, err := r.store.UpdateTask(task.ID, func(t *model.Task) {
		id := sessionID
		t.ClaudeSessionID = &id
	})
	if err == nil && patched.ClaudeSessionID != nil && *patched.ClaudeSessionID != "" {
		task.ClaudeSessionID = patched.ClaudeSessionID
		return *patched.ClaudeSessionID, true
	}

	task.ClaudeSessionID = &sessionID
	return sessionID, true
}

// buildClaudeCmd assembles the agent CLI invocation. A known session is
// resumed; a fresh one is pinned with --session-id so later runs of the
// task share context.
func buildClaudeCmd(task *model.Task, prompt, sessionID string, useResume bool) []string {
	cmd := []string{
		"claude",
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if useResume {
		cmd = append(cmd, "--resume", sessionID)
	} else {
		cmd = append(cmd, "--session-id", sessionID)
	}
	if task.PermissionMode == model.PermissionBypass {
		cmd = append(cmd, "--permission-mode", "bypassPermissions")
	} else {
		cmd = append(cmd, "--permission-mode", "default")
	}
	return cmd
}

// runClaudeCmd starts the agent and streams its output line by line into
// the task event log, collecting assistant text along the way. It stops
// early on cancellation or when the wall-clock timeout is exceeded.
func (r *Runner) runClaudeCmd(task *model.Task, cmd []string, workdir string, timeout time.Duration) (int, string, bool) {
	r.store.AppendEvent(task.ID, model.EventCommand, map[string]any{"cmd": strings.Join(cmd, " ")})

	proc, err := r.startProcess(workdir, cmd[0], cmd[1:]...)
	if err != nil {
		r.store.AppendEvent(task.ID, model.EventStream, map[string]any{
			"line": "failed to start agent process: " + err.Error(),
		})
		return 1, "", false
	}
	r.registerProc(task.ID, proc)
	defer r.unregisterProc(task.ID)

	var collected []string
	cancelled := false
	start := time.Now()

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\n")
		if line == "" {
			continue
		}

		r.store.AppendEvent(task.ID, model.EventStream, map[string]any{"line": line})
		if text := extractTextFromStreamLine(line); text != "" {
			collected = append(collected, text)
		}

		if r.isCancelRequested(task.ID) {
			cancelled = true
			proc.Terminate()
			break
		}
		if time.Since(start) > timeout {
			r.store.AppendEvent(task.ID, model.EventTimeout, map[string]any{
				"message": "Task exceeded 45 minutes",
			})
			proc.Terminate()
			break
		}
	}

	if err := proc.Wait(waitAfterStream); err != nil {
		proc.Kill()
		proc.Wait(time.Second)
	}

	// A cancel issued through the API after the stream ended still counts.
	if !cancelled && r.isCancelRequested(task.ID) {
		cancelled = true
	}

	return proc.ExitCode(), strings.TrimSpace(strings.Join(collected, "\n")), cancelled
}

// streamClaude runs one agent invocation for the task, resuming the
// stored session when possible. A resume that fails with a recoverable
// session error falls back to a brand-new session once.
func (r *Runner) streamClaude(task *model.Task, prompt, workdir string) (int, string, bool) {
	timeout := r.cfg.Runner.Timeout()
	sessionID, created := r.ensureTaskSessionID(task)
	useResume := !created
	if created {
		r.store.AppendEvent(task.ID, model.EventSessionCreated, map[string]any{
			"session_id": sessionID,
			"message":    "Created Claude session " + sessionID,
		})
	} else {
		r.store.AppendEvent(task.ID, model.EventSessionResumed, map[string]any{
			"session_id": sessionID,
			"message":    "Resuming Claude session " + sessionID,
		})
	}

	cmd := buildClaudeCmd(task, prompt, sessionID, useResume)
	exitCode, text, cancelled := r.runClaudeCmd(task, cmd, workdir, timeout)

	shouldFallback := useResume && !cancelled && exitCode != 0 && isResumeRecoverableError(text)
	if !shouldFallback {
		return exitCode, text, cancelled
	}

	r.store.AppendEvent(task.ID, model.EventSessionResumeFailed, map[string]any{
		"session_id": sessionID,
		"message":    "Resume failed for session " + sessionID + "; fallback to a new session",
		"error_text": truncateRunes(text, 1000),
	})

	newSessionID := r.newSessionID()
	patched, err := r.store.UpdateTask(task.ID, func(t *model.Task) {
		id := newSessionID
		t.ClaudeSessionID = &id
	})
	if err == nil && patched.ClaudeSessionID != nil && *patched.ClaudeSessionID != "" {
		newSessionID = *patched.ClaudeSessionID
	}
	task.ClaudeSessionID = &newSessionID
	r.store.AppendEvent(task.ID, model.EventSessionFallbackCreate, map[string]any{
		"old_session_id": sessionID,
		"session_id":     newSessionID,
		"message":        "Created fallback Claude session " + newSessionID,
	})

	fallbackCmd := buildClaudeCmd(task, prompt, newSessionID, false)
	return r.runClaudeCmd(task, fallbackCmd, workdir, timeout)
}

// extractTextFromStreamLine pulls assistant-visible text out of one
// stream-json line. Non-JSON lines are kept verbatim.
func extractTextFromStreamLine(line string) string {
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return line
	}

	var chunks []string
	if text, ok := payload["text"].(string); ok {
		chunks = append(chunks, text)
	}
	if result, ok := payload["result"].(string); ok {
		chunks = append(chunks, result)
	}
	if message, ok := payload["message"].(map[string]any); ok {
		if content, ok := message["content"].([]any); ok {
			for _, item := range content {
				if m, ok := item.(map[string]any); ok {
					if text, ok := m["text"].(string); ok {
						chunks = append(chunks, text)
					}
				}
			}
		}
	}
	if delta, ok := payload["delta"].(map[string]any); ok {
		if text, ok := delta["text"].(string); ok {
			chunks = append(chunks, text)
		}
	}

	return strings.TrimSpace(strings.Join(chunks, "\n"))
}
