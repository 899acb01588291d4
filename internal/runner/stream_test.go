package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot/repopilot/internal/config"
	"github.com/repopilot/repopilot/internal/logging"
	"github.com/repopilot/repopilot/internal/model"
	"github.com/repopilot/repopilot/internal/store"
)

// fakeProcess replays scripted output lines and a fixed exit code.
type fakeProcess struct {
	lines      []string
	exit       int
	terminated bool
	killed     bool
}

func (p *fakeProcess) Stdout() io.Reader {
	return strings.NewReader(strings.Join(p.lines, "\n"))
}
func (p *fakeProcess) Terminate() { p.terminated = true }

func (p *fakeProcess) Kill() { p.killed = true }

func (p *fakeProcess) Wait(timeout time.Duration) error { return nil }

func (p *fakeProcess) ExitCode() int { return p.exit }

// fakeStarter hands out scripted processes in order and records the
// commands it was asked to run.
type fakeStarter struct {
	procs []*fakeProcess
	calls [][]string
	dirs  []string
}

func (f *fakeStarter) start(dir string, name string, args ...string) (process, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	f.dirs = append(f.dirs, dir)
	proc := f.procs[0]
	if len(f.procs) > 1 {
		f.procs = f.procs[1:]
	}
	return proc, nil
}

func newTestRunner(t *testing.T) (*Runner, *store.Store, *fakeStarter) {
	t.Helper()
	base := t.TempDir()
	st, err := store.New(filepath.Join(base, "state"), filepath.Join(base, "repos"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Paths.RootDir = base
	require.NoError(t, cfg.ResolvePaths())

	starter := &fakeStarter{}
	r := New(st, cfg, logging.NopLogger())
	r.startProcess = starter.start
	seq := 0
	r.newSessionID = func() string {
		seq++
		return fmt.Sprintf("sess-%d", seq)
	}
	r.selectEnv = func() string { return "base" }
	return r, st, starter
}

func createTask(t *testing.T, st *store.Store, mode model.TaskMode) *model.Task {
	t.Helper()
	task, err := st.CreateTask(store.TaskCreateInput{
		RepoID: "demo",
		Title:  "Fix login",
		Prompt: "fix the login bug",
		Mode:   mode,
	})
	require.NoError(t, err)
	return task
}

func eventTypes(t *testing.T, st *store.Store, taskID string) []string {
	t.Helper()
	events, _, err := st.ReadEvents(taskID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func streamLine(t *testing.T, payload map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(raw)
}

func TestExtractTextFromStreamLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"plain text passthrough", "not json at all", "not json at all"},
		{"text field", `{"text": "hello"}`, "hello"},
		{"result field", `{"result": "done"}`, "done"},
		{
			"message content blocks",
			`{"message": {"content": [{"type": "text", "text": "a"}, {"type": "tool_use"}, {"text": "b"}]}}`,
			"a\nb",
		},
		{"delta text", `{"delta": {"text": "chunk"}}`, "chunk"},
		{"no text anywhere", `{"type": "system"}`, ""},
		{"combined", `{"text": "x", "result": "y"}`, "x\ny"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractTextFromStreamLine(tt.line); got != tt.want {
				t.Errorf("extractTextFromStreamLine(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestIsResumeRecoverableError(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Session id 123abc not found", true},
		{"Failed to resume conversation", true},
		{"unable to RESUME", true},
		{"cannot resume session", true},
		{"Invalid session identifier", true},
		{"session 42 does not exist", true},
		{"some unrelated failure", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		if got := isResumeRecoverableError(tt.text); got != tt.want {
			t.Errorf("isResumeRecoverableError(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestBuildClaudeCmd(t *testing.T) {
	task := &model.Task{ID: "250101-001", PermissionMode: model.PermissionBypass}

	cmd := buildClaudeCmd(task, "do it", "sess-1", false)
	assert.Equal(t, []string{
		"claude", "-p", "do it", "--output-format", "stream-json", "--verbose",
		"--session-id", "sess-1", "--permission-mode", "bypassPermissions",
	}, cmd)

	task.PermissionMode = model.PermissionDefault
	cmd = buildClaudeCmd(task, "do it", "sess-1", true)
	assert.Equal(t, []string{
		"claude", "-p", "do it", "--output-format", "stream-json", "--verbose",
		"--resume", "sess-1", "--permission-mode", "default",
	}, cmd)
}

func TestStreamClaude_CreatesSession(t *testing.T) {
	r, st, starter := newTestRunner(t)
	task := createTask(t, st, model.ModeExec)
	starter.procs = []*fakeProcess{{
		lines: []string{streamLine(t, map[string]any{"result": "all done"})},
	}}

	exitCode, text, cancelled := r.streamClaude(task, "prompt", t.TempDir())
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, "all done", text)
	assert.False(t, cancelled)

	require.Len(t, starter.calls, 1)
	assert.Contains(t, starter.calls[0], "--session-id")
	assert.Contains(t, starter.calls[0], "sess-1")

	types := eventTypes(t, st, task.ID)
	assert.Equal(t, []string{
		model.EventSessionCreated, model.EventCommand, model.EventStream,
	}, types)

	// The session is persisted so the next run resumes it.
	latest, err := st.GetTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, latest.ClaudeSessionID)
	assert.Equal(t, "sess-1", *latest.ClaudeSessionID)
}

func TestStreamClaude_ResumesKnownSession(t *testing.T) {
	r, st, starter := newTestRunner(t)
	task := createTask(t, st, model.ModeExec)
	existing := "sess-existing"
	task.ClaudeSessionID = &existing
	starter.procs = []*fakeProcess{{lines: []string{`{"result": "ok"}`}}}

	_, _, _ = r.streamClaude(task, "prompt", t.TempDir())

	require.Len(t, starter.calls, 1)
	assert.Contains(t, starter.calls[0], "--resume")
	assert.Contains(t, starter.calls[0], "sess-existing")
	assert.Contains(t, eventTypes(t, st, task.ID), model.EventSessionResumed)
}

func TestStreamClaude_ResumeFallback(t *testing.T) {
	r, st, starter := newTestRunner(t)
	task := createTask(t, st, model.ModeExec)
	existing := "sess-gone"
	task.ClaudeSessionID = &existing

	starter.procs = []*fakeProcess{
		{lines: []string{`{"result": "Session id sess-gone not found"}`}, exit: 1},
		{lines: []string{`{"result": "fresh run ok"}`}},
	}

	exitCode, text, cancelled := r.streamClaude(task, "prompt", t.TempDir())
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, "fresh run ok", text)
	assert.False(t, cancelled)

	require.Len(t, starter.calls, 2)
	assert.Contains(t, starter.calls[0], "--resume")
	assert.Contains(t, starter.calls[1], "--session-id")
	assert.Contains(t, starter.calls[1], "sess-1")

	types := eventTypes(t, st, task.ID)
	assert.Contains(t, types, model.EventSessionResumeFailed)
	assert.Contains(t, types, model.EventSessionFallbackCreate)

	latest, err := st.GetTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, latest.ClaudeSessionID)
	assert.Equal(t, "sess-1", *latest.ClaudeSessionID)
}

func TestStreamClaude_NoFallbackOnOrdinaryFailure(t *testing.T) {
	r, st, starter := newTestRunner(t)
	task := createTask(t, st, model.ModeExec)
	existing := "sess-live"
	task.ClaudeSessionID = &existing
	starter.procs = []*fakeProcess{
		{lines: []string{`{"result": "compile error in main.go"}`}, exit: 1},
	}

	exitCode, _, _ := r.streamClaude(task, "prompt", t.TempDir())
	assert.Equal(t, 1, exitCode)
	assert.Len(t, starter.calls, 1, "no second invocation for non-session errors")
}

func TestRunClaudeCmd_CancelMidStream(t *testing.T) {
	r, st, starter := newTestRunner(t)
	task := createTask(t, st, model.ModeExec)
	_, err := st.UpdateTask(task.ID, func(t *model.Task) { t.CancelRequested = true })
	require.NoError(t, err)

	proc := &fakeProcess{lines: []string{`{"text": "working"}`, `{"text": "more"}`}}
	starter.procs = []*fakeProcess{proc}

	_, _, cancelled := r.runClaudeCmd(task, []string{"claude", "-p", "x"}, t.TempDir(), time.Hour)
	assert.True(t, cancelled)
	assert.True(t, proc.terminated, "the process is terminated on cancel")
}

func TestRunClaudeCmd_Timeout(t *testing.T) {
	r, st, starter := newTestRunner(t)
	task := createTask(t, st, model.ModeExec)
	proc := &fakeProcess{lines: []string{`{"text": "slow"}`, `{"text": "slower"}`}, exit: 1}
	starter.procs = []*fakeProcess{proc}

	_, _, cancelled := r.runClaudeCmd(task, []string{"claude", "-p", "x"}, t.TempDir(), 0)
	assert.False(t, cancelled)
	assert.True(t, proc.terminated)
	assert.Contains(t, eventTypes(t, st, task.ID), model.EventTimeout)
}
