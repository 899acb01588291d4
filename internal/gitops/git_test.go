package gitops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot/repopilot/internal/errors"
	"github.com/repopilot/repopilot/internal/model"
)

type cmdResult struct {
	out string
	err error
}

// fakeExec records every command and answers from programmed results.
// Unknown commands succeed with empty output.
type fakeExec struct {
	calls   []string
	results map[string]cmdResult
	quiet   map[string]error
	shell   cmdResult
}

func cmdKey(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (f *fakeExec) Run(dir string, name string, args ...string) ([]byte, error) {
	k := cmdKey(name, args...)
	f.calls = append(f.calls, k)
	if res, ok := f.results[k]; ok {
		return []byte(res.out), res.err
	}
	return nil, nil
}

func (f *fakeExec) RunQuiet(dir string, name string, args ...string) error {
	k := cmdKey(name, args...)
	f.calls = append(f.calls, k)
	if err, ok := f.quiet[k]; ok {
		return err
	}
	return nil
}

func (f *fakeExec) RunShell(dir string, command string, timeout time.Duration) ([]byte, error) {
	f.calls = append(f.calls, "sh -c "+command)
	return []byte(f.shell.out), f.shell.err
}

func (f *fakeExec) called(k string) bool {
	for _, c := range f.calls {
		if c == k {
			return true
		}
	}
	return false
}

func newFakeGit() (*Git, *fakeExec) {
	fake := &fakeExec{
		results: map[string]cmdResult{},
		quiet:   map[string]error{},
	}
	return NewWithExecutor(fake), fake
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		taskID string
		title  string
		want   string
	}{
		{"250101-001", "Fix login bug", "task/250101-001-fix-login-bug"},
		{"250101-002", "", "task/250101-002-task"},
		{"250101-003", "修复登录", "task/250101-003-修复登录"},
		{
			"250101-004",
			strings.Repeat("a", 50),
			"task/250101-004-" + strings.Repeat("a", 36),
		},
	}
	for _, tt := range tests {
		if got := BranchName(tt.taskID, tt.title); got != tt.want {
			t.Errorf("BranchName(%q, %q) = %q, want %q", tt.taskID, tt.title, got, tt.want)
		}
	}
}

func TestCandidateBaseRefs_Dedupes(t *testing.T) {
	g, fake := newFakeGit()
	fake.results[cmdKey("git", "symbolic-ref", "refs/remotes/origin/HEAD")] =
		cmdResult{out: "refs/remotes/origin/main\n"}

	refs := g.candidateBaseRefs("/repo", "main")
	assert.Equal(t, []string{"origin/main", "main"}, refs)
}

func TestCandidateBaseRefs_DistinctDefault(t *testing.T) {
	g, fake := newFakeGit()
	fake.results[cmdKey("git", "symbolic-ref", "refs/remotes/origin/HEAD")] =
		cmdResult{out: "refs/remotes/origin/develop\n"}

	refs := g.candidateBaseRefs("/repo", "main")
	assert.Equal(t, []string{"origin/main", "main", "origin/develop", "develop"}, refs)
}

func TestCreateWorktree(t *testing.T) {
	g, fake := newFakeGit()
	root := t.TempDir()
	repo := &model.RepoConfig{ID: "demo", RootPath: "/repos/demo", MainBranch: "main"}

	// Stale directory from a crashed run is cleared first.
	stale := filepath.Join(root, "demo", "250101-001")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "junk"), []byte("x"), 0o644))

	info, err := g.CreateWorktree(repo, root, "250101-001", "Fix login")
	require.NoError(t, err)
	assert.Equal(t, stale, info.Path)
	assert.Equal(t, "task/250101-001-fix-login", info.Branch)

	_, statErr := os.Stat(filepath.Join(stale, "junk"))
	assert.True(t, os.IsNotExist(statErr), "stale worktree contents are removed")

	assert.True(t, fake.called(cmdKey("git", "worktree", "remove", "--force", stale)))
	assert.True(t, fake.called(cmdKey("git", "worktree", "prune")))
	assert.True(t, fake.called(cmdKey("git", "branch", "-D", info.Branch)))
	assert.True(t, fake.called(cmdKey("git", "fetch", "origin")))
	assert.True(t, fake.called(cmdKey("git", "worktree", "add", "-b", info.Branch, stale, "origin/main")))
}

func TestCreateWorktree_FallsBackThroughCandidates(t *testing.T) {
	g, fake := newFakeGit()
	root := t.TempDir()
	repo := &model.RepoConfig{ID: "demo", RootPath: "/repos/demo", MainBranch: "main"}

	target := filepath.Join(root, "demo", "250101-001")
	branch := "task/250101-001-fix"
	fake.results[cmdKey("git", "worktree", "add", "-b", branch, target, "origin/main")] =
		cmdResult{out: "fatal: invalid reference: origin/main\n", err: fmt.Errorf("exit status 128")}

	info, err := g.CreateWorktree(repo, root, "250101-001", "fix")
	require.NoError(t, err)
	assert.Equal(t, branch, info.Branch)
	assert.True(t, fake.called(cmdKey("git", "worktree", "add", "-b", branch, target, "main")))
}

func TestCreateWorktree_AllCandidatesFail(t *testing.T) {
	g, fake := newFakeGit()
	root := t.TempDir()
	repo := &model.RepoConfig{ID: "demo", RootPath: "/repos/demo", MainBranch: "main"}

	target := filepath.Join(root, "demo", "250101-001")
	branch := "task/250101-001-fix"
	boom := cmdResult{out: "fatal: not a valid object name\n", err: fmt.Errorf("exit status 128")}
	fake.results[cmdKey("git", "worktree", "add", "-b", branch, target, "origin/main")] = boom
	fake.results[cmdKey("git", "worktree", "add", "-b", branch, target, "main")] = boom

	_, err := g.CreateWorktree(repo, root, "250101-001", "fix")
	require.Error(t, err)
	assert.True(t, errors.IsGitError(err))
	assert.Contains(t, err.Error(), "not a valid object name")
	assert.Contains(t, err.Error(), "origin/main")
}

func TestSetupIsolatedData(t *testing.T) {
	g, _ := newFakeGit()
	repoRoot := t.TempDir()
	worktree := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(repoRoot, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "data", "dev-tasks.json"), []byte("[]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "PROGRESS.md"), []byte("x"), 0o644))

	repo := &model.RepoConfig{
		RootPath:              repoRoot,
		SharedSymlinkPaths:    []string{"data/dev-tasks.json", "data/missing.json", "PROGRESS.md"},
		ForbiddenSymlinkPaths: []string{"PROGRESS.md"},
	}
	require.NoError(t, g.SetupIsolatedData(worktree, repo))

	link := filepath.Join(worktree, "data", "dev-tasks.json")
	info, err := os.Lstat(link)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "shared path becomes a symlink")
	src, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repoRoot, "data", "dev-tasks.json"), src)

	_, err = os.Lstat(filepath.Join(worktree, "PROGRESS.md"))
	assert.True(t, os.IsNotExist(err), "forbidden path is never linked")
	_, err = os.Lstat(filepath.Join(worktree, "data", "missing.json"))
	assert.True(t, os.IsNotExist(err), "missing source is skipped")
}

func TestSetupIsolatedData_ReplacesCheckedInFile(t *testing.T) {
	g, _ := newFakeGit()
	repoRoot := t.TempDir()
	worktree := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(repoRoot, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "data", "api-key.json"), []byte("real"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(worktree, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "data", "api-key.json"), []byte("stub"), 0o644))

	repo := &model.RepoConfig{
		RootPath:           repoRoot,
		SharedSymlinkPaths: []string{"data/api-key.json"},
	}
	require.NoError(t, g.SetupIsolatedData(worktree, repo))

	content, err := os.ReadFile(filepath.Join(worktree, "data", "api-key.json"))
	require.NoError(t, err)
	assert.Equal(t, "real", string(content))
}

func TestHasChanges(t *testing.T) {
	g, fake := newFakeGit()
	fake.results[cmdKey("git", "status", "--porcelain")] = cmdResult{out: " M main.go\n"}

	dirty, err := g.HasChanges("/wt")
	require.NoError(t, err)
	assert.True(t, dirty)

	fake.results[cmdKey("git", "status", "--porcelain")] = cmdResult{out: "\n"}
	dirty, err = g.HasChanges("/wt")
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestHasMaterialChanges_MovedHead(t *testing.T) {
	g, fake := newFakeGit()
	fake.results[cmdKey("git", "status", "--porcelain")] = cmdResult{out: ""}
	fake.results[cmdKey("git", "rev-parse", "HEAD")] = cmdResult{out: "bbb\n"}

	changed, err := g.HasMaterialChanges("/wt", "aaa")
	require.NoError(t, err)
	assert.True(t, changed, "a moved HEAD counts even with a clean tree")

	fake.results[cmdKey("git", "rev-parse", "HEAD")] = cmdResult{out: "aaa\n"}
	changed, err = g.HasMaterialChanges("/wt", "aaa")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCommitAll_NothingStaged(t *testing.T) {
	g, fake := newFakeGit()
	fake.results[cmdKey("git", "rev-parse", "HEAD")] = cmdResult{out: "abc123\n"}

	commit, err := g.CommitAll("/wt", "task(250101-001): apply changes")
	require.NoError(t, err)
	assert.Equal(t, "abc123", commit)
	assert.False(t, fake.called(cmdKey("git", "commit", "-m", "task(250101-001): apply changes")))
}

func TestCommitAll_StagedChanges(t *testing.T) {
	g, fake := newFakeGit()
	fake.quiet[cmdKey("git", "diff", "--cached", "--quiet")] = fmt.Errorf("exit status 1")
	fake.results[cmdKey("git", "rev-parse", "HEAD")] = cmdResult{out: "def456\n"}

	commit, err := g.CommitAll("/wt", "task(250101-001): apply changes")
	require.NoError(t, err)
	assert.Equal(t, "def456", commit)
	assert.True(t, fake.called(cmdKey("git", "commit", "-m", "task(250101-001): apply changes")))
}

func TestRunTests_MissingScript(t *testing.T) {
	g, fake := newFakeGit()
	fake.shell = cmdResult{
		out: "npm ERR! Missing script: \"test\"\n",
		err: fmt.Errorf("exit status 1"),
	}

	err := g.RunTests("/wt", "npm test", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsGitError(err))
	assert.Contains(t, err.Error(), "repo.test_command")
}

func TestRunTests_FailureIncludesOutput(t *testing.T) {
	g, fake := newFakeGit()
	fake.shell = cmdResult{out: "1 test failed\n", err: fmt.Errorf("exit status 1")}

	err := g.RunTests("/wt", "npm run test:ci", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 test failed")

	fake.shell = cmdResult{out: "ok\n"}
	assert.NoError(t, g.RunTests("/wt", "npm run test:ci", time.Minute))
}

func TestCleanupWorktree(t *testing.T) {
	g, fake := newFakeGit()
	repo := &model.RepoConfig{RootPath: "/repos/demo"}
	fake.results[cmdKey("git", "worktree", "remove", "--force", "/wt")] =
		cmdResult{out: "fatal: '/wt' is not a working tree", err: fmt.Errorf("exit status 128")}

	// The worktree is already gone from disk, so a failed remove is fine.
	assert.NoError(t, g.CleanupWorktree(repo, "/wt", "task/250101-001-fix"))
	assert.True(t, fake.called(cmdKey("git", "worktree", "prune")))
	assert.True(t, fake.called(cmdKey("git", "branch", "-D", "task/250101-001-fix")))
}

func TestCleanupWorktree_RemoveFailureLeavesWorktree(t *testing.T) {
	g, fake := newFakeGit()
	repo := &model.RepoConfig{RootPath: "/repos/demo"}
	worktree := t.TempDir()
	fake.results[cmdKey("git", "worktree", "remove", "--force", worktree)] =
		cmdResult{out: "fatal: working tree is locked", err: fmt.Errorf("exit status 128")}

	err := g.CleanupWorktree(repo, worktree, "task/250101-001-fix")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git worktree remove failed")
	assert.Contains(t, err.Error(), "working tree is locked")

	// Prune and branch deletion still ran.
	assert.True(t, fake.called(cmdKey("git", "worktree", "prune")))
	assert.True(t, fake.called(cmdKey("git", "branch", "-D", "task/250101-001-fix")))
}

func TestSnapshotWorktree(t *testing.T) {
	g, _ := newFakeGit()
	worktree := t.TempDir()
	artifacts := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(worktree, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(worktree, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(worktree, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "src", "main.go"), []byte("package main"), 0o644))

	shared := filepath.Join(t.TempDir(), "shared.json")
	require.NoError(t, os.WriteFile(shared, []byte("{}"), 0o644))
	require.NoError(t, os.Symlink(shared, filepath.Join(worktree, "shared.json")))

	// A previous snapshot for the same run is replaced.
	prior := filepath.Join(artifacts, "250101-001", "250101-002")
	require.NoError(t, os.MkdirAll(prior, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prior, "old.txt"), []byte("old"), 0o644))

	target, err := g.SnapshotWorktree(worktree, artifacts, "250101-001", "250101-002")
	require.NoError(t, err)
	assert.Equal(t, prior, target)

	content, err := os.ReadFile(filepath.Join(target, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(content))

	linked, err := os.ReadFile(filepath.Join(target, "shared.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(linked), "symlinked content is materialized")

	_, err = os.Stat(filepath.Join(target, ".git"))
	assert.True(t, os.IsNotExist(err), "git metadata is excluded")
	_, err = os.Stat(filepath.Join(target, "old.txt"))
	assert.True(t, os.IsNotExist(err), "previous snapshot is replaced")
}

func TestBuildCompareURL(t *testing.T) {
	tests := []struct {
		repo string
		base string
		head string
		want string
	}{
		{
			"owner/repo", "main", "task/250101-001-fix",
			"https://github.com/owner/repo/compare/main...task%2F250101-001-fix?expand=1",
		},
		{"/owner/repo/", "main", "feature", "https://github.com/owner/repo/compare/main...feature?expand=1"},
		{"not-a-slug", "main", "feature", ""},
		{"", "main", "feature", ""},
	}
	for _, tt := range tests {
		if got := BuildCompareURL(tt.repo, tt.base, tt.head); got != tt.want {
			t.Errorf("BuildCompareURL(%q) = %q, want %q", tt.repo, got, tt.want)
		}
	}
}
