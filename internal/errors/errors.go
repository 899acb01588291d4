// Package errors provides centralized error definitions for RepoPilot.
// It defines domain-specific errors (git pipeline, store) with context
// wrapping, plus re-exports of the standard helpers so callers can import
// a single package for all error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors for the git pipeline and the store.
var (
	// ErrPRCredentialsMissing indicates that neither the gh CLI nor a
	// GITHUB_TOKEN was available to create a pull request.
	ErrPRCredentialsMissing = New("pr credentials missing")

	// ErrTaskNotFound indicates that a task id does not exist in the store.
	ErrTaskNotFound = New("task not found")

	// ErrRepoNotFound indicates that a repo id does not exist in the store.
	ErrRepoNotFound = New("repo not found")

	// ErrRunNotFound indicates that a run id does not exist in the store.
	ErrRunNotFound = New("run not found")

	// ErrNotificationNotFound indicates that a notification id does not exist.
	ErrNotificationNotFound = New("notification not found")

	// ErrIDExhausted indicates that no unique id could be allocated within
	// the bounded wait window.
	ErrIDExhausted = New("failed to allocate unique id in time window")

	// ErrInvalidStatus indicates a status transition that the task state
	// machine does not allow.
	ErrInvalidStatus = New("invalid task status for operation")

	// ErrPlanResultMissing indicates a PLAN_REVIEW operation on a task that
	// carries no parsed plan.
	ErrPlanResultMissing = New("plan result missing")
)

// GitError represents errors from git operations (worktrees, branches,
// commits, pushes, PR creation). Context is attached through the With*
// builders:
//
//	err := errors.NewGitError("failed to create worktree", cause).
//		WithRepository(repoPath).
//		WithBranch("task/123-fix").
//		WithGitOutput(string(output))
type GitError struct {
	message    string
	cause      error
	Repository string
	Branch     string
	Worktree   string
	GitOutput  string
}

// NewGitError creates a new GitError wrapping the given cause.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		message: message,
		cause:   cause,
	}
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// Error implements the error interface. The git output is included so the
// failure cause survives into task error messages and event logs.
func (e *GitError) Error() string {
	var b strings.Builder
	b.WriteString(e.message)
	if e.Repository != "" {
		fmt.Fprintf(&b, " (repo: %s)", e.Repository)
	}
	if e.Branch != "" {
		fmt.Fprintf(&b, " (branch: %s)", e.Branch)
	}
	if e.Worktree != "" {
		fmt.Fprintf(&b, " (worktree: %s)", e.Worktree)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	if e.GitOutput != "" {
		b.WriteString("\n")
		b.WriteString(e.GitOutput)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *GitError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a *GitError. This lets callers classify any
// pipeline failure with errors.Is(err, &errors.GitError{}).
func (e *GitError) Is(target error) bool {
	_, ok := target.(*GitError)
	return ok
}

// IsGitError reports whether err is (or wraps) a GitError.
func IsGitError(err error) bool {
	var gitErr *GitError
	return As(err, &gitErr)
}
