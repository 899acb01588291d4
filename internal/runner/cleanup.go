package runner

import (
	"strings"

	"github.com/repopilot/repopilot/internal/logging"
	"github.com/repopilot/repopilot/internal/model"
)

// cleanupExecWorktreeForRun removes the worktree of one run, optionally
// snapshotting it into the artifacts dir first. Every outcome is recorded
// as a worktree_cleanup event so operators can audit what happened.
func (r *Runner) cleanupExecWorktreeForRun(task *model.Task, runID string, triggerStatus model.TaskStatus, snapshotOnFailure bool, log *logging.Logger) bool {
	run, err := r.store.GetRun(runID)
	if err != nil {
		log.Warn("skip worktree cleanup, run not found", "run_id", runID)
		r.store.AppendEvent(task.ID, model.EventWorktreeCleanup, map[string]any{
			"trigger_status": string(triggerStatus),
			"result":         "run_not_found",
			"run_id":         runID,
		})
		return false
	}

	worktreePath := strings.TrimSpace(run.WorktreePath)
	if worktreePath == "" {
		r.store.AppendEvent(task.ID, model.EventWorktreeCleanup, map[string]any{
			"trigger_status": string(triggerStatus),
			"result":         "skip_empty_path",
			"run_id":         runID,
		})
		return true
	}

	repo, err := r.store.GetRepo(task.RepoID)
	if err != nil {
		log.Warn("skip worktree cleanup, repo not found", "repo_id", task.RepoID)
		r.store.AppendEvent(task.ID, model.EventWorktreeCleanup, map[string]any{
			"trigger_status": string(triggerStatus),
			"result":         "repo_not_found",
			"run_id":         runID,
			"worktree_path":  worktreePath,
		})
		return false
	}

	if snapshotOnFailure {
		snapshot, err := r.git.SnapshotWorktree(worktreePath, r.cfg.Paths.ArtifactsDir, task.ID, runID)
		if err != nil {
			log.Warn("failed to save task artifact", "run_id", runID, "error", err.Error())
		} else {
			r.store.UpdateRun(runID, func(run *model.TaskRun) {
				if run.Metrics == nil {
					run.Metrics = map[string]any{}
				}
				run.Metrics["artifact_path"] = snapshot
			})
			r.store.AppendEvent(task.ID, model.EventArtifact, map[string]any{"path": snapshot})
			log.Info("saved failed task artifact", "run_id", runID, "path", snapshot)
		}
	}

	err = r.git.CleanupWorktree(repo, worktreePath, run.BranchName)
	if err == nil {
		_, err = r.store.UpdateRun(runID, func(run *model.TaskRun) {
			run.WorktreePath = ""
		})
	}
	if err != nil {
		log.Warn("worktree cleanup failed", "run_id", runID, "error", err.Error())
		r.store.AppendEvent(task.ID, model.EventWorktreeCleanup, map[string]any{
			"trigger_status": string(triggerStatus),
			"result":         "failed",
			"run_id":         runID,
			"worktree_path":  worktreePath,
			"branch_name":    run.BranchName,
			"error_message":  clipMessage(err.Error(), 500),
		})
		return false
	}
	r.store.AppendEvent(task.ID, model.EventWorktreeCleanup, map[string]any{
		"trigger_status": string(triggerStatus),
		"result":         "success",
		"run_id":         runID,
		"worktree_path":  worktreePath,
		"branch_name":    run.BranchName,
	})
	return true
}

func clipMessage(msg string, limit int) string {
	runes := []rune(msg)
	if len(runes) <= limit {
		return msg
	}
	return string(runes[:limit])
}

// CleanupExecWorktreeForTask removes the worktree of the task's current
// run. Used when a reviewed task is marked DONE and its worktree is no
// longer needed.
func (r *Runner) CleanupExecWorktreeForTask(task *model.Task, triggerStatus model.TaskStatus, snapshotOnFailure bool) bool {
	if task.Mode != model.ModeExec {
		return false
	}
	if task.CurrentRunID == nil || *task.CurrentRunID == "" {
		r.store.AppendEvent(task.ID, model.EventWorktreeCleanup, map[string]any{
			"trigger_status": string(triggerStatus),
			"result":         "skip_no_current_run",
		})
		return false
	}
	return r.cleanupExecWorktreeForRun(task, *task.CurrentRunID, triggerStatus, snapshotOnFailure, r.log.WithTask(task.ID))
}
