package gitops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/repopilot/repopilot/internal/errors"
	"github.com/repopilot/repopilot/internal/model"
)

// CreatePR opens a pull request for the task branch. The gh CLI is
// preferred; when it is absent or fails, the GitHub REST API is used
// with GITHUB_TOKEN. Returns the PR URL.
func (g *Git) CreatePR(repo *model.RepoConfig, branch, title, body, githubToken string) (string, error) {
	if _, err := g.lookPath("gh"); err == nil {
		out, err := g.exec.Run("", "gh", "pr", "create",
			"--repo", repo.GitHubRepo,
			"--base", repo.MainBranch,
			"--head", branch,
			"--title", title,
			"--body", body,
		)
		if err == nil {
			if url := lastHTTPLine(string(out)); url != "" {
				return url, nil
			}
		}
		// Fall through to the API when gh did not produce a URL.
	}

	token := githubToken
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return "", fmt.Errorf("cannot create PR: neither gh success nor GITHUB_TOKEN available: %w",
			errors.ErrPRCredentialsMissing)
	}
	if !strings.Contains(repo.GitHubRepo, "/") {
		return "", errors.NewGitError("invalid github_repo: "+repo.GitHubRepo, nil)
	}

	payload, err := json.Marshal(map[string]string{
		"title": title,
		"head":  branch,
		"base":  repo.MainBranch,
		"body":  body,
	})
	if err != nil {
		return "", fmt.Errorf("encode pr payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/pulls", g.apiBase, repo.GitHubRepo)
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build pr request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", errors.NewGitError("create PR request failed", err).WithBranch(branch)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", errors.NewGitError("read PR response failed", err).WithBranch(branch)
	}
	if resp.StatusCode >= 300 {
		return "", errors.NewGitError(
			fmt.Sprintf("create PR failed: %d %s", resp.StatusCode, strings.TrimSpace(buf.String())), nil).
			WithBranch(branch)
	}

	var data struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
		return "", errors.NewGitError("decode PR response failed", err).WithBranch(branch)
	}
	return data.HTMLURL, nil
}

// lastHTTPLine returns the last line of out that looks like a URL.
func lastHTTPLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "http") {
			return line
		}
	}
	return ""
}
