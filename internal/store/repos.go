package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/repopilot/repopilot/internal/errors"
	"github.com/repopilot/repopilot/internal/model"
)

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// slug derives a repo id from a directory name.
func slug(value string) string {
	cleaned := strings.Trim(slugPattern.ReplaceAllString(value, "-"), "-")
	cleaned = strings.ToLower(cleaned)
	if cleaned == "" {
		return "repo"
	}
	return cleaned
}

// RepoPatch is a partial repo update; nil fields are left untouched.
type RepoPatch struct {
	Enabled     *bool   `json:"enabled"`
	TestCommand *string `json:"test_command"`
	MainBranch  *string `json:"main_branch"`
}

// ListRepos returns all registered repos.
func (s *Store) ListRepos() ([]model.RepoConfig, error) {
	var rows []model.RepoConfig
	err := s.withLock("repos", func() error {
		rows = readJSON[model.RepoConfig](s.reposFile)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetRepo returns the repo with the given id, or ErrRepoNotFound.
func (s *Store) GetRepo(repoID string) (*model.RepoConfig, error) {
	repos, err := s.ListRepos()
	if err != nil {
		return nil, err
	}
	for i := range repos {
		if repos[i].ID == repoID {
			return &repos[i], nil
		}
	}
	return nil, fmt.Errorf("repo %s: %w", repoID, errors.ErrRepoNotFound)
}

// PatchRepo applies a partial update to a repo.
func (s *Store) PatchRepo(repoID string, patch RepoPatch) (*model.RepoConfig, error) {
	var updated *model.RepoConfig
	err := s.withLock("repos", func() error {
		rows := readJSON[model.RepoConfig](s.reposFile)
		for i := range rows {
			if rows[i].ID == repoID {
				if patch.Enabled != nil {
					rows[i].Enabled = *patch.Enabled
				}
				if patch.TestCommand != nil {
					rows[i].TestCommand = *patch.TestCommand
				}
				if patch.MainBranch != nil {
					rows[i].MainBranch = *patch.MainBranch
				}
				updated = &rows[i]
				break
			}
		}
		if updated == nil {
			return fmt.Errorf("repo %s: %w", repoID, errors.ErrRepoNotFound)
		}
		return writeJSONAtomic(s.reposFile, rows)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// detectOriginURL returns the origin remote URL, or "" when there is none.
func (s *Store) detectOriginURL(repoPath string) string {
	out, err := s.executor.Run(repoPath, "git", "remote", "get-url", "origin")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// originToGitHubRepo extracts "owner/name" from a GitHub origin URL.
// Both SSH (git@github.com:owner/repo.git) and HTTPS forms are handled.
func originToGitHubRepo(origin string) string {
	if !strings.Contains(origin, "github.com") {
		return ""
	}
	var name string
	if strings.HasPrefix(origin, "git@") {
		parts := strings.SplitN(origin, ":", 2)
		name = parts[len(parts)-1]
	} else {
		parts := strings.SplitN(origin, "github.com/", 2)
		name = parts[len(parts)-1]
	}
	name = strings.TrimSuffix(name, ".git")
	return strings.Trim(name, "/")
}

// detectMainBranch finds the repo's default branch: the remote HEAD if
// set, else the first of main/master that exists locally, else "main".
func (s *Store) detectMainBranch(repoPath string) string {
	out, err := s.executor.Run(repoPath, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(string(out))
		if ref != "" {
			parts := strings.Split(ref, "/")
			return parts[len(parts)-1]
		}
	}
	for _, branch := range []string{"main", "master"} {
		if s.executor.RunQuiet(repoPath, "git", "show-ref", "--verify", "refs/heads/"+branch) == nil {
			return branch
		}
	}
	return "main"
}

// remoteBranchExists reports whether origin/<branch> is a known
// remote-tracking branch.
func (s *Store) remoteBranchExists(repoPath, branch string) bool {
	if branch == "" {
		return false
	}
	return s.executor.RunQuiet(repoPath, "git", "show-ref", "--verify", "refs/remotes/origin/"+branch) == nil
}

// RescanRepos walks the repos directory and reconciles the repo
// collection with what is on disk. Only directories that are git clones
// with a GitHub origin are considered. Existing rows keep their user
// edits; missing fields are filled, legacy test commands are migrated and
// stale main branches are replaced. New rows get a slug id, disambiguated
// with a numeric suffix on collision.
func (s *Store) RescanRepos() ([]model.RepoConfig, error) {
	var merged []model.RepoConfig
	err := s.withLock("repos", func() error {
		rows := readJSON[model.RepoConfig](s.reposFile)
		byRoot := make(map[string]*model.RepoConfig, len(rows))
		order := make([]string, 0, len(rows))
		for i := range rows {
			if rows[i].RootPath == "" {
				continue
			}
			byRoot[rows[i].RootPath] = &rows[i]
			order = append(order, rows[i].RootPath)
		}

		entries, err := os.ReadDir(s.reposDir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read repos dir: %w", err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			child := filepath.Join(s.reposDir, entry.Name())
			if _, err := os.Stat(filepath.Join(child, ".git")); err != nil {
				continue
			}
			origin := s.detectOriginURL(child)
			if !strings.Contains(origin, "github.com") {
				continue
			}

			rootPath := child
			if resolved, err := filepath.Abs(child); err == nil {
				rootPath = resolved
			}
			githubRepo := originToGitHubRepo(origin)
			repoName := entry.Name()
			mainBranch := s.detectMainBranch(child)

			if row, ok := byRoot[rootPath]; ok {
				if row.Name == "" {
					row.Name = repoName
				}
				if row.GitHubRepo == "" {
					row.GitHubRepo = githubRepo
				}
				currentMain := strings.TrimSpace(row.MainBranch)
				if currentMain == "" || !s.remoteBranchExists(child, currentMain) {
					row.MainBranch = mainBranch
				}
				testCmd := strings.TrimSpace(row.TestCommand)
				if testCmd == "" || testCmd == "npm test" {
					row.TestCommand = model.DefaultTestCommand
				}
				if row.SharedSymlinkPaths == nil {
					row.SharedSymlinkPaths = model.DefaultSharedSymlinkPaths()
				}
				if row.ForbiddenSymlinkPaths == nil {
					row.ForbiddenSymlinkPaths = model.DefaultForbiddenSymlinkPaths()
				}
				continue
			}

			newRow := model.RepoConfig{
				ID:                    slug(repoName),
				Name:                  repoName,
				RootPath:              rootPath,
				MainBranch:            mainBranch,
				TestCommand:           model.DefaultTestCommand,
				GitHubRepo:            githubRepo,
				SharedSymlinkPaths:    model.DefaultSharedSymlinkPaths(),
				ForbiddenSymlinkPaths: model.DefaultForbiddenSymlinkPaths(),
				Enabled:               true,
			}

			existingIDs := make(map[string]bool, len(byRoot))
			for _, row := range byRoot {
				existingIDs[row.ID] = true
			}
			baseID := newRow.ID
			for suffix := 2; existingIDs[newRow.ID]; suffix++ {
				newRow.ID = fmt.Sprintf("%s-%d", baseID, suffix)
			}

			byRoot[rootPath] = &newRow
			order = append(order, rootPath)
		}

		merged = make([]model.RepoConfig, 0, len(byRoot))
		for _, rootPath := range order {
			merged = append(merged, *byRoot[rootPath])
		}
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
		return writeJSONAtomic(s.reposFile, merged)
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}
