package runner

import (
	"fmt"

	"github.com/repopilot/repopilot/internal/logging"
	"github.com/repopilot/repopilot/internal/model"
	"github.com/repopilot/repopilot/internal/plan"
)

// runPlan runs the planning pipeline: the agent analyzes the task in the
// repo's main checkout and the parsed plan goes to PLAN_REVIEW for user
// confirmation.
func (r *Runner) runPlan(task *model.Task, runID string, log *logging.Logger) {
	repo, err := r.store.GetRepo(task.RepoID)
	if err != nil {
		log.Error("plan failed, repo not found", "repo_id", task.RepoID)
		r.finishRun(runID, 1)
		r.markFailed(task, runID, model.ErrCodeRepoNotFound, "Repo not found: "+task.RepoID)
		return
	}

	r.store.UpdateRun(runID, func(run *model.TaskRun) {
		run.WorktreePath = repo.RootPath
	})

	prompt := plan.PlanPrompt(task.Prompt)
	exitCode, text, cancelled := r.streamClaude(task, prompt, repo.RootPath)

	if cancelled {
		log.Info("plan cancelled", "run_id", runID)
		r.finishRun(runID, exitCode)
		r.markCancelled(task, runID, "任务在 Plan 阶段被取消")
		return
	}
	if exitCode != 0 {
		log.Warn("plan failed", "run_id", runID, "exit_code", exitCode)
		r.finishRun(runID, exitCode)
		r.markFailed(task, runID, model.ErrCodePlanExitNonzero, fmt.Sprintf("Claude exited with code %d", exitCode))
		return
	}

	parsed := plan.Parse(text)
	r.store.UpdateTask(task.ID, func(t *model.Task) {
		t.Status = model.StatusPlanReview
		t.PlanResult = parsed
		t.ErrorCode = ""
		t.ErrorMessage = ""
		id := runID
		t.CurrentRunID = &id
	})
	r.store.CreateNotification(task.ID, model.NotifyInfo,
		"Plan 待确认: "+task.Title,
		"请在任务详情中确认 Plan 选项后继续执行。")

	log.Info("plan ready for review", "run_id", runID)
	r.finishRun(runID, 0)
}
