package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/repopilot/repopilot/internal/model"
	"github.com/repopilot/repopilot/internal/plan"
	"github.com/repopilot/repopilot/internal/store"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tasks, err := s.store.ListTasks(store.TaskFilter{
		RepoID:  query.Get("repo_id"),
		Status:  model.TaskStatus(query.Get("status")),
		Keyword: query.Get("keyword"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var payload store.TaskCreateInput
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.Mode == "" {
		payload.Mode = model.ModePlan
	}
	if payload.Mode != model.ModePlan && payload.Mode != model.ModeExec {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("mode must be PLAN or EXEC, got %s", payload.Mode))
		return
	}
	if payload.PermissionMode == "" {
		payload.PermissionMode = model.PermissionBypass
	}
	if payload.PermissionMode != model.PermissionBypass && payload.PermissionMode != model.PermissionDefault {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("permission_mode must be BYPASS or DEFAULT, got %s", payload.PermissionMode))
		return
	}

	repo, err := s.store.GetRepo(payload.RepoID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "repo not found: "+payload.RepoID)
		return
	}
	if !repo.Enabled {
		writeError(w, http.StatusBadRequest, "repo disabled: "+payload.RepoID)
		return
	}

	task, err := s.store.CreateTask(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if _, err := s.store.GetTask(taskID); err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	cursor := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor must be an integer")
			return
		}
		cursor = parsed
	}

	events, nextCursor, err := s.store.ReadEvents(taskID, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	decorated := make([]map[string]any, 0, len(events))
	for _, event := range events {
		decorated = append(decorated, enrichEventForDisplay(event))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      decorated,
		"next_cursor": nextCursor,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	task, err := s.store.CancelTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if s.sched != nil {
		s.sched.RequestCancel(taskID)
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ResetMode model.TaskMode `json:"reset_mode"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := s.store.ResetTaskForRetry(r.PathValue("task_id"), payload.ResetMode)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleMarkDone(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.Status != model.StatusReview {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("task status must be REVIEW, got %s", task.Status))
		return
	}

	patched, err := s.store.UpdateTask(taskID, func(t *model.Task) {
		t.Status = model.StatusDone
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The reviewed worktree is no longer needed; cleanup failure never
	// fails the request.
	if s.cleaner != nil {
		s.cleaner.CleanupExecWorktreeForTask(patched, model.StatusDone, false)
	}
	writeJSON(w, http.StatusOK, patched)
}

func (s *Server) planReviewTask(w http.ResponseWriter, taskID string) *model.Task {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return nil
	}
	if task.Status != model.StatusPlanReview {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("task status must be PLAN_REVIEW, got %s", task.Status))
		return nil
	}
	return task
}

func (s *Server) handleConfirmPlan(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Answers map[string]string `json:"answers"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Answers == nil {
		payload.Answers = map[string]string{}
	}

	task := s.planReviewTask(w, r.PathValue("task_id"))
	if task == nil {
		return
	}

	finalPrompt := plan.BuildExecPrompt(task.Prompt, task.PlanResult, payload.Answers)
	patched, err := s.store.UpdateTask(task.ID, func(t *model.Task) {
		t.Mode = model.ModeExec
		t.Status = model.StatusReady
		t.Prompt = finalPrompt
		t.PlanAnswers = payload.Answers
		t.ErrorCode = ""
		t.ErrorMessage = ""
		t.CancelRequested = false
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, patched)
}

func (s *Server) handleRevisePlan(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Feedback string `json:"feedback"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task := s.planReviewTask(w, r.PathValue("task_id"))
	if task == nil {
		return
	}

	revisedPrompt := plan.RevisedPrompt(task.Prompt, payload.Feedback)
	patched, err := s.store.UpdateTask(task.ID, func(t *model.Task) {
		t.Mode = model.ModePlan
		t.Status = model.StatusTodo
		t.Prompt = revisedPrompt
		t.ErrorCode = ""
		t.ErrorMessage = ""
		t.CancelRequested = false
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, patched)
}

// batchPlanResult is the response shape of both batch plan endpoints.
func batchPlanResult(requested int, updated []model.Task, failed []store.BatchFailure) map[string]any {
	return map[string]any{
		"updated": updated,
		"failed":  failed,
		"counts": map[string]int{
			"requested": requested,
			"updated":   len(updated),
			"failed":    len(failed),
		},
	}
}

func (s *Server) handleBatchConfirmPlan(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	taskIDs := store.NormalizeTaskIDs(payload.TaskIDs)
	if len(taskIDs) < 1 || len(taskIDs) > 100 {
		writeError(w, http.StatusBadRequest, "task_ids count after dedupe must be between 1 and 100")
		return
	}

	updated, failed := s.store.BatchConfirmPlanTasks(taskIDs)
	for _, task := range updated {
		s.store.AppendEvent(task.ID, model.EventPlanBatchConfirm, map[string]any{
			"message": "Batch confirmed and moved to READY",
		})
	}
	writeJSON(w, http.StatusOK, batchPlanResult(len(taskIDs), updated, failed))
}

func (s *Server) handleBatchRevisePlan(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TaskIDs  []string `json:"task_ids"`
		Feedback string   `json:"feedback"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	taskIDs := store.NormalizeTaskIDs(payload.TaskIDs)
	feedback := strings.TrimSpace(payload.Feedback)
	if len(taskIDs) < 1 || len(taskIDs) > 100 {
		writeError(w, http.StatusBadRequest, "task_ids count after dedupe must be between 1 and 100")
		return
	}
	if feedback == "" {
		writeError(w, http.StatusBadRequest, "feedback must not be empty")
		return
	}

	updated, failed := s.store.BatchRevisePlanTasks(taskIDs, feedback)
	for _, task := range updated {
		s.store.AppendEvent(task.ID, model.EventPlanBatchRevise, map[string]any{
			"message": "Batch revised and moved back to TODO",
		})
	}
	writeJSON(w, http.StatusOK, batchPlanResult(len(taskIDs), updated, failed))
}
