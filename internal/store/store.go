// Package store persists all backend state as JSON collections on disk:
// repos, tasks, runs and notifications as JSON arrays, plus per-task
// NDJSON event logs. Every access takes a per-collection flock so several
// processes can share one state directory, and every write is atomic
// (temp file, fsync, rename).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/repopilot/repopilot/internal/filelock"
)

// CommandExecutor abstracts command execution for testability. The store
// shells out to git during repository discovery.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)

	// RunQuiet executes a command and returns only the error.
	RunQuiet(dir string, name string, args ...string) error
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// RunQuiet executes a command and returns only the error.
func (e *CLICommandExecutor) RunQuiet(dir string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.Run()
}

// Store is the JSON-file state store.
type Store struct {
	stateDir string
	reposDir string
	logsDir  string
	locksDir string

	reposFile         string
	tasksFile         string
	runsFile          string
	notificationsFile string

	executor CommandExecutor
}

// New creates a Store rooted at stateDir, managing clones under reposDir.
// Directories and empty collection files are created as needed.
func New(stateDir, reposDir string) (*Store, error) {
	s := &Store{
		stateDir:          stateDir,
		reposDir:          reposDir,
		logsDir:           filepath.Join(stateDir, "logs"),
		locksDir:          filepath.Join(stateDir, "locks"),
		reposFile:         filepath.Join(stateDir, "repos.json"),
		tasksFile:         filepath.Join(stateDir, "tasks.json"),
		runsFile:          filepath.Join(stateDir, "runs.json"),
		notificationsFile: filepath.Join(stateDir, "notifications.json"),
		executor:          &CLICommandExecutor{},
	}
	if err := s.ensureLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithExecutor creates a Store with a custom command executor.
// This is primarily useful for testing repository discovery.
func NewWithExecutor(stateDir, reposDir string, executor CommandExecutor) (*Store, error) {
	s, err := New(stateDir, reposDir)
	if err != nil {
		return nil, err
	}
	s.executor = executor
	return s, nil
}

func (s *Store) ensureLayout() error {
	for _, dir := range []string{s.stateDir, s.reposDir, s.logsDir, s.locksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	for _, file := range []string{s.reposFile, s.tasksFile, s.runsFile, s.notificationsFile} {
		if _, err := os.Stat(file); os.IsNotExist(err) {
			if err := os.WriteFile(file, []byte("[]\n"), 0o644); err != nil {
				return fmt.Errorf("seed %s: %w", file, err)
			}
		}
	}
	return nil
}

// LogsDir returns the directory holding per-task event logs.
func (s *Store) LogsDir() string {
	return s.logsDir
}

// ReposDir returns the directory scanned for managed clones.
func (s *Store) ReposDir() string {
	return s.reposDir
}

// withLock runs fn while holding the named collection lock.
func (s *Store) withLock(name string, fn func() error) error {
	return filelock.WithLock(s.locksDir, name, fn)
}

// readJSON loads a JSON array collection. Missing, empty or corrupt files
// read as an empty collection so one bad write never bricks the service.
func readJSON[T any](path string) []T {
	data, err := os.ReadFile(path)
	if err != nil {
		return []T{}
	}
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return []T{}
	}
	if rows == nil {
		return []T{}
	}
	return rows
}

// writeJSONAtomic replaces a collection file atomically: marshal to a temp
// file in the same directory, fsync, then rename over the target.
func writeJSONAtomic[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create collection dir: %w", err)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal collection: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
