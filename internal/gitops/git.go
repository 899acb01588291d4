package gitops

import (
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/repopilot/repopilot/internal/errors"
	"github.com/repopilot/repopilot/internal/model"
)

// WorktreeInfo describes a freshly created task worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
}

// Git performs worktree and branch operations for task runs.
type Git struct {
	exec       CommandExecutor
	httpClient *http.Client
	lookPath   func(name string) (string, error)
	apiBase    string
}

// New returns a Git backed by the real git and gh binaries.
func New() *Git {
	return NewWithExecutor(&CLICommandExecutor{})
}

// NewWithExecutor returns a Git using the given executor.
func NewWithExecutor(executor CommandExecutor) *Git {
	return &Git{
		exec:       executor,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		lookPath:   exec.LookPath,
		apiBase:    "https://api.github.com",
	}
}

// branchSlug keeps letters, digits, '-' and '_' and lowercases the rest
// into '-'. Falls back to "task" for empty input.
func branchSlug(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	cleaned := strings.ToLower(strings.Trim(b.String(), "-"))
	if cleaned == "" {
		return "task"
	}
	return cleaned
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

// BranchName derives the task branch name from the task id and title.
func BranchName(taskID, title string) string {
	return fmt.Sprintf("task/%s-%s", taskID, truncateRunes(branchSlug(title), 36))
}

func (g *Git) detectRemoteDefaultBranch(repoPath string) string {
	out, err := g.exec.Run(repoPath, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return ""
	}
	ref := strings.TrimSpace(string(out))
	if ref == "" {
		return ""
	}
	parts := strings.Split(ref, "/")
	return parts[len(parts)-1]
}

// candidateBaseRefs lists the refs a new worktree may be based on, in
// preference order with duplicates and empties removed.
func (g *Git) candidateBaseRefs(repoPath, preferred string) []string {
	defaultBranch := g.detectRemoteDefaultBranch(repoPath)

	candidates := []string{
		"origin/" + preferred,
		preferred,
	}
	if defaultBranch != "" {
		candidates = append(candidates, "origin/"+defaultBranch, defaultBranch)
	}

	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, ref := range candidates {
		if ref == "" || ref == "origin/" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

// CreateWorktree creates a dedicated branch and worktree for a task.
// Leftovers from previous crashed runs of the same task are removed
// first. The branch is based on the first candidate ref that git accepts.
func (g *Git) CreateWorktree(repo *model.RepoConfig, worktreesRoot, taskID, title string) (*WorktreeInfo, error) {
	repoPath := repo.RootPath
	branch := BranchName(taskID, title)
	target := filepath.Join(worktreesRoot, repo.ID, taskID)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, errors.NewGitError("failed to create worktrees dir", err).WithRepository(repoPath)
	}

	// Best-effort cleanup from previous crashed or failed runs.
	g.exec.RunQuiet(repoPath, "git", "worktree", "remove", "--force", target)
	g.exec.RunQuiet(repoPath, "git", "worktree", "prune")
	g.exec.RunQuiet(repoPath, "git", "branch", "-D", branch)

	if err := os.RemoveAll(target); err != nil {
		return nil, errors.NewGitError("failed to clear stale worktree", err).WithWorktree(target)
	}

	g.exec.RunQuiet(repoPath, "git", "fetch", "origin")

	candidates := g.candidateBaseRefs(repoPath, repo.MainBranch)
	var lastOut string
	for _, baseRef := range candidates {
		out, err := g.exec.Run(repoPath, "git", "worktree", "add", "-b", branch, target, baseRef)
		if err == nil {
			return &WorktreeInfo{Path: target, Branch: branch}, nil
		}
		lastOut = strings.TrimSpace(string(out))
	}

	return nil, errors.NewGitError(
		fmt.Sprintf("failed to create worktree, candidates tried: %v", candidates), nil).
		WithRepository(repoPath).
		WithBranch(branch).
		WithWorktree(target).
		WithGitOutput(lastOut)
}

// resolvePath follows symlinks when possible; otherwise it returns the
// cleaned path.
func resolvePath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// SetupIsolatedData symlinks the repo's shared data files into the
// worktree so a task run sees the same local state as the main checkout.
// Paths on the forbidden list are never linked.
func (g *Git) SetupIsolatedData(worktree string, repo *model.RepoConfig) error {
	if err := os.MkdirAll(filepath.Join(worktree, "data"), 0o755); err != nil {
		return errors.NewGitError("failed to create data dir", err).WithWorktree(worktree)
	}
	forbidden := make(map[string]bool, len(repo.ForbiddenSymlinkPaths))
	for _, rel := range repo.ForbiddenSymlinkPaths {
		forbidden[rel] = true
	}

	for _, rel := range repo.SharedSymlinkPaths {
		if forbidden[rel] {
			continue
		}
		src := filepath.Join(repo.RootPath, rel)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dest := filepath.Join(worktree, rel)

		denied := false
		for deniedRel := range forbidden {
			deniedPath := filepath.Join(worktree, deniedRel)
			if _, err := os.Lstat(deniedPath); err != nil {
				continue
			}
			if resolvePath(deniedPath) == resolvePath(dest) {
				denied = true
				break
			}
		}
		if denied {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errors.NewGitError("failed to create symlink parent", err).WithWorktree(worktree)
		}
		if info, err := os.Lstat(dest); err == nil {
			if info.IsDir() && info.Mode()&fs.ModeSymlink == 0 {
				if err := os.RemoveAll(dest); err != nil {
					return errors.NewGitError("failed to replace "+rel, err).WithWorktree(worktree)
				}
			} else if err := os.Remove(dest); err != nil {
				return errors.NewGitError("failed to replace "+rel, err).WithWorktree(worktree)
			}
		}
		if err := os.Symlink(src, dest); err != nil {
			return errors.NewGitError("failed to symlink "+rel, err).WithWorktree(worktree)
		}
	}
	return nil
}

// HasChanges reports whether the worktree has any uncommitted changes.
func (g *Git) HasChanges(worktree string) (bool, error) {
	out, err := g.exec.Run(worktree, "git", "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("git status failed", err).
			WithWorktree(worktree).WithGitOutput(string(out))
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// HasMaterialChanges reports whether the run produced anything: either a
// dirty working tree or a HEAD that moved off the baseline commit.
func (g *Git) HasMaterialChanges(worktree, baselineCommit string) (bool, error) {
	dirty, err := g.HasChanges(worktree)
	if err != nil {
		return false, err
	}
	if dirty {
		return true, nil
	}
	head, err := g.CurrentCommit(worktree)
	if err != nil {
		return false, err
	}
	return head != baselineCommit, nil
}

// CommitAll stages everything and commits. When nothing is staged the
// current HEAD is returned unchanged.
func (g *Git) CommitAll(worktree, message string) (string, error) {
	if out, err := g.exec.Run(worktree, "git", "add", "-A"); err != nil {
		return "", errors.NewGitError("git add failed", err).
			WithWorktree(worktree).WithGitOutput(string(out))
	}
	if g.exec.RunQuiet(worktree, "git", "diff", "--cached", "--quiet") == nil {
		return g.CurrentCommit(worktree)
	}
	if out, err := g.exec.Run(worktree, "git", "commit", "-m", message); err != nil {
		return "", errors.NewGitError("git commit failed", err).
			WithWorktree(worktree).WithGitOutput(string(out))
	}
	return g.CurrentCommit(worktree)
}

// CurrentCommit returns the worktree's HEAD commit hash.
func (g *Git) CurrentCommit(worktree string) (string, error) {
	out, err := g.exec.Run(worktree, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", errors.NewGitError("git rev-parse failed", err).
			WithWorktree(worktree).WithGitOutput(string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// RebaseWithMain fetches the main branch and rebases the worktree onto
// origin/<main>.
func (g *Git) RebaseWithMain(worktree, mainBranch string) error {
	if out, err := g.exec.Run(worktree, "git", "fetch", "origin", mainBranch); err != nil {
		return errors.NewGitError("git fetch failed", err).
			WithWorktree(worktree).WithBranch(mainBranch).WithGitOutput(string(out))
	}
	if out, err := g.exec.Run(worktree, "git", "rebase", "origin/"+mainBranch); err != nil {
		return errors.NewGitError("git rebase failed", err).
			WithWorktree(worktree).WithBranch(mainBranch).WithGitOutput(string(out))
	}
	return nil
}

// RunTests runs the repo's test command through the shell with a timeout.
// A missing npm "test" script gets a dedicated message pointing at the
// repo config.
func (g *Git) RunTests(worktree, testCommand string, timeout time.Duration) error {
	out, err := g.exec.RunShell(worktree, testCommand, timeout)
	if err == nil {
		return nil
	}
	combined := string(out)
	if strings.Contains(combined, `Missing script: "test"`) {
		return errors.NewGitError(
			`tests failed: npm script "test" not found. `+
				`Set repo.test_command to a valid command via PATCH /api/repos/{repo_id}, `+
				`for example: "npm run test:unit" or "echo skip-tests"`, nil).
			WithWorktree(worktree)
	}
	return errors.NewGitError("tests failed", err).
		WithWorktree(worktree).WithGitOutput(combined)
}

// PushBranch pushes the task branch to origin with upstream tracking.
func (g *Git) PushBranch(worktree, branch string) error {
	if out, err := g.exec.Run(worktree, "git", "push", "-u", "origin", branch); err != nil {
		return errors.NewGitError("git push failed", err).
			WithWorktree(worktree).WithBranch(branch).WithGitOutput(string(out))
	}
	return nil
}

// CleanupWorktree removes the task worktree and its branch. Prune and
// branch deletion are best-effort, as is a remove of a worktree that is
// already gone; a remove that leaves the worktree on disk is an error.
func (g *Git) CleanupWorktree(repo *model.RepoConfig, worktree, branch string) error {
	out, removeErr := g.exec.Run(repo.RootPath, "git", "worktree", "remove", "--force", worktree)
	g.exec.RunQuiet(repo.RootPath, "git", "worktree", "prune")
	g.exec.RunQuiet(repo.RootPath, "git", "branch", "-D", branch)

	if removeErr != nil {
		if _, err := os.Stat(worktree); err == nil {
			return errors.NewGitError("git worktree remove failed", removeErr).
				WithWorktree(worktree).WithGitOutput(string(out))
		}
	}
	return nil
}

// SnapshotWorktree copies the worktree, minus git metadata, into the
// artifacts dir under <task_id>/<run_id>. A previous snapshot for the
// same run is replaced.
func (g *Git) SnapshotWorktree(worktree, artifactsRoot, taskID, runID string) (string, error) {
	target := filepath.Join(artifactsRoot, taskID, runID)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("clear previous snapshot: %w", err)
	}
	if err := copyTree(worktree, target); err != nil {
		return "", fmt.Errorf("snapshot worktree: %w", err)
	}
	return target, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			// Snapshot the linked content; dangling links and linked
			// directories are skipped.
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				return nil
			}
			return copyFile(path, target, info.Mode())
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode())
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// BuildCompareURL returns the GitHub compare page for base...head, or ""
// when the repo slug is not owner/name shaped.
func BuildCompareURL(githubRepo, base, head string) string {
	repo := strings.Trim(githubRepo, "/")
	if repo == "" || !strings.Contains(repo, "/") {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/compare/%s...%s?expand=1",
		repo, escapeRef(base), escapeRef(head))
}

func escapeRef(ref string) string {
	return strings.ReplaceAll(url.QueryEscape(ref), "+", "%20")
}
