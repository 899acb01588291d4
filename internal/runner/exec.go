package runner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/repopilot/repopilot/internal/errors"
	"github.com/repopilot/repopilot/internal/gitops"
	"github.com/repopilot/repopilot/internal/logging"
	"github.com/repopilot/repopilot/internal/model"
	"github.com/repopilot/repopilot/internal/strategy"
)

var prURLPattern = regexp.MustCompile(`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+`)

// extractPRURL returns the first GitHub PR URL in the agent's output, or
// a branch compare URL when the repo is on GitHub but no PR was opened.
func extractPRURL(text string, repo *model.RepoConfig, branch string) string {
	if match := prURLPattern.FindString(text); match != "" {
		return match
	}
	if repo != nil && strings.Contains(strings.TrimSpace(repo.GitHubRepo), "/") {
		return gitops.BuildCompareURL(repo.GitHubRepo, repo.MainBranch, branch)
	}
	return ""
}

// buildAgenticPrompt appends post-coding instructions so the agent itself
// commits, rebases, tests, pushes and opens the PR.
func buildAgenticPrompt(task *model.Task, repo *model.RepoConfig, branch string) string {
	main := repo.MainBranch
	testCmd := strings.TrimSpace(repo.TestCommand)
	hasGitHub := strings.Contains(strings.TrimSpace(repo.GitHubRepo), "/")

	lines := []string{
		task.Prompt,
		"",
		"---",
		"【编码完成后请自行执行以下步骤，使用终端命令完成】",
		"",
		"1. 提交变更:",
		"   git add -A && git commit -m \"task(" + task.ID + "): apply changes\"",
		"",
		"2. 变基到主分支（若有冲突请解决后 git add 再 git rebase --continue）:",
		fmt.Sprintf("   git fetch origin %s && git rebase origin/%s", main, main),
		"",
	}
	if testCmd != "" {
		lines = append(lines,
			"3. 运行测试:",
			"   "+testCmd,
			"",
			"4. 推送当前分支:")
	} else {
		lines = append(lines, "3. 推送当前分支:")
	}
	lines = append(lines, fmt.Sprintf("   git push -u origin %s", branch))
	if hasGitHub {
		lines = append(lines,
			"",
			"5. 创建 PR（若 gh 可用）:",
			fmt.Sprintf("   gh pr create --base %s --head %s --title \"[%s] %s\" --body \"Automated by RepoPilot\"",
				main, branch, task.ID, task.Title))
	}
	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// failPipeline records a pipeline error, classifying git failures apart
// from unexpected ones.
func (r *Runner) failPipeline(task *model.Task, runID string, err error, log *logging.Logger) {
	code := model.ErrCodeUnexpectedError
	if errors.IsGitError(err) {
		code = model.ErrCodeGitPipelineFailed
		log.Warn("git pipeline failed", "run_id", runID, "error", err.Error())
	} else {
		log.Error("unexpected runner error", "run_id", runID, "error", err.Error())
	}
	r.finishRun(runID, 1)
	r.markFailed(task, runID, code, err.Error())
}

// cleanupIfTerminal removes the run's worktree (with a failure snapshot)
// when the task ended in FAILED or CANCELLED.
func (r *Runner) cleanupIfTerminal(taskID, runID string, log *logging.Logger) {
	after, err := r.store.GetTask(taskID)
	if err != nil {
		return
	}
	if after.Status == model.StatusFailed || after.Status == model.StatusCancelled {
		r.cleanupExecWorktreeForRun(after, runID, after.Status, true, log)
	}
}

// runExecFixed drives the whole git pipeline from this process: the agent
// only writes code, then commit, rebase, tests, push and PR happen here.
func (r *Runner) runExecFixed(task *model.Task, runID string, log *logging.Logger) {
	repo, err := r.store.GetRepo(task.RepoID)
	if err != nil {
		log.Error("exec failed, repo not found", "repo_id", task.RepoID)
		r.finishRun(runID, 1)
		r.markFailed(task, runID, model.ErrCodeRepoNotFound, "Repo not found: "+task.RepoID)
		return
	}

	info, err := r.git.CreateWorktree(repo, r.cfg.Paths.WorktreesDir, task.ID, task.Title)
	if err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}
	defer r.cleanupIfTerminal(task.ID, runID, log)

	r.store.UpdateRun(runID, func(run *model.TaskRun) {
		run.WorktreePath = info.Path
		run.BranchName = info.Branch
	})
	if err := r.git.SetupIsolatedData(info.Path, repo); err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}
	baselineCommit, err := r.git.CurrentCommit(info.Path)
	if err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}

	exitCode, text, cancelled := r.streamClaude(task, task.Prompt, info.Path)
	r.store.AppendEvent(task.ID, model.EventAssistantText, map[string]any{"text": text})

	if cancelled {
		log.Info("exec cancelled", "run_id", runID)
		r.finishRun(runID, exitCode)
		r.markCancelled(task, runID, "任务在执行阶段被取消")
		return
	}
	if exitCode != 0 {
		log.Warn("exec failed non-zero", "run_id", runID, "exit_code", exitCode)
		r.finishRun(runID, exitCode)
		r.markFailed(task, runID, model.ErrCodeExecExitNonzero, fmt.Sprintf("Claude exited with code %d", exitCode))
		return
	}

	changed, err := r.git.HasMaterialChanges(info.Path, baselineCommit)
	if err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}
	if !changed {
		log.Warn("exec produced no changes", "run_id", runID)
		r.finishRun(runID, 1)
		r.markFailed(task, runID, model.ErrCodeNoChanges, "Claude finished but produced no git changes")
		return
	}

	commitSHA, err := r.git.CommitAll(info.Path, fmt.Sprintf("task(%s): apply changes", task.ID))
	if err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}
	r.store.UpdateRun(runID, func(run *model.TaskRun) {
		run.CommitSHA = commitSHA
	})

	if err := r.git.RebaseWithMain(info.Path, repo.MainBranch); err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}
	if err := r.git.RunTests(info.Path, repo.TestCommand, r.cfg.Runner.TestTimeout()); err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}
	if err := r.git.PushBranch(info.Path, info.Branch); err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}

	prURL, err := r.git.CreatePR(repo, info.Branch,
		fmt.Sprintf("[%s] %s", task.ID, task.Title),
		"Automated by RepoPilot", "")
	if err != nil {
		if !errors.Is(err, errors.ErrPRCredentialsMissing) {
			r.failPipeline(task, runID, err, log)
			return
		}
		prURL = gitops.BuildCompareURL(repo.GitHubRepo, repo.MainBranch, info.Branch)
		if prURL == "" {
			r.failPipeline(task, runID, errors.NewGitError(err.Error(), nil), log)
			return
		}
		r.store.AppendEvent(task.ID, model.EventPRFallback, map[string]any{
			"message":     err.Error(),
			"compare_url": prURL,
		})
		log.Warn("pr credentials missing, compare url used", "run_id", runID, "url", prURL)
	}

	r.markReview(task, runID, prURL)
	log.Info("exec done, moved to review", "run_id", runID, "pr_url", prURL)
	r.finishRun(runID, 0)
}

// runExecAgentic hands the whole pipeline to the agent: the prompt tells
// it to commit, rebase, test, push and open the PR itself, and the PR URL
// is recovered from its output.
func (r *Runner) runExecAgentic(task *model.Task, runID string, log *logging.Logger) {
	repo, err := r.store.GetRepo(task.RepoID)
	if err != nil {
		log.Error("exec failed, repo not found", "repo_id", task.RepoID)
		r.finishRun(runID, 1)
		r.markFailed(task, runID, model.ErrCodeRepoNotFound, "Repo not found: "+task.RepoID)
		return
	}

	info, err := r.git.CreateWorktree(repo, r.cfg.Paths.WorktreesDir, task.ID, task.Title)
	if err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}
	defer r.cleanupIfTerminal(task.ID, runID, log)

	r.store.UpdateRun(runID, func(run *model.TaskRun) {
		run.WorktreePath = info.Path
		run.BranchName = info.Branch
	})
	if err := r.git.SetupIsolatedData(info.Path, repo); err != nil {
		r.failPipeline(task, runID, err, log)
		return
	}

	strat := strategy.BuildDefault(repo)
	r.store.UpdateTask(task.ID, func(t *model.Task) {
		t.ExecStrategy = strat
	})
	rationale := strat.Rationale
	if rationale == "" {
		rationale = "Claude 全权执行（编码 + 提交/变基/测试/推送/PR）"
	}
	r.store.AppendEvent(task.ID, model.EventStrategyGenerated, map[string]any{"message": rationale})

	prompt := buildAgenticPrompt(task, repo, info.Branch)
	exitCode, text, cancelled := r.streamClaude(task, prompt, info.Path)
	r.store.AppendEvent(task.ID, model.EventAssistantText, map[string]any{"text": text})

	if cancelled {
		log.Info("exec cancelled", "run_id", runID)
		r.finishRun(runID, exitCode)
		r.markCancelled(task, runID, "任务在执行阶段被取消")
		return
	}
	if exitCode != 0 {
		log.Warn("exec failed non-zero", "run_id", runID, "exit_code", exitCode)
		r.finishRun(runID, exitCode)
		r.markFailed(task, runID, model.ErrCodeExecExitNonzero, fmt.Sprintf("Claude exited with code %d", exitCode))
		return
	}

	prURL := extractPRURL(text, repo, info.Branch)
	r.markReview(task, runID, prURL)
	log.Info("exec done (agentic), moved to review", "run_id", runID, "pr_url", prURL)
	r.finishRun(runID, 0)
}
