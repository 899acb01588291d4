package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/repopilot/repopilot/internal/errors"
	"github.com/repopilot/repopilot/internal/model"
	"github.com/repopilot/repopilot/internal/plan"
)

// TaskCreateInput is the payload for CreateTask.
type TaskCreateInput struct {
	RepoID         string               `json:"repo_id"`
	Title          string               `json:"title"`
	Prompt         string               `json:"prompt"`
	Mode           model.TaskMode       `json:"mode"`
	PermissionMode model.PermissionMode `json:"permission_mode"`
	Priority       int                  `json:"priority"`
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	RepoID  string
	Status  model.TaskStatus
	Keyword string
}

// CreateTask persists a new task in TODO state with a freshly allocated id.
func (s *Store) CreateTask(input TaskCreateInput) (*model.Task, error) {
	mode := input.Mode
	if mode == "" {
		mode = model.ModeExec
	}
	permission := input.PermissionMode
	if permission == "" {
		permission = model.PermissionBypass
	}

	var task *model.Task
	err := s.withLock("tasks", func() error {
		rows := readJSON[model.Task](s.tasksFile)
		existing := make(map[string]bool, len(rows))
		for _, row := range rows {
			existing[row.ID] = true
		}
		id, err := allocateID(existing)
		if err != nil {
			return err
		}

		now := model.NowISO()
		task = &model.Task{
			ID:             id,
			RepoID:         input.RepoID,
			Title:          input.Title,
			Prompt:         input.Prompt,
			Mode:           mode,
			Status:         model.StatusTodo,
			PermissionMode: permission,
			Priority:       input.Priority,
			CreatedAt:      now,
			UpdatedAt:      now,
			PlanAnswers:    map[string]string{},
		}
		rows = append(rows, *task)
		return writeJSONAtomic(s.tasksFile, rows)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, ordered by priority
// descending then creation time ascending.
func (s *Store) ListTasks(filter TaskFilter) ([]model.Task, error) {
	var rows []model.Task
	err := s.withLock("tasks", func() error {
		rows = readJSON[model.Task](s.tasksFile)
		return nil
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]model.Task, 0, len(rows))
	keyword := strings.ToLower(filter.Keyword)
	for _, task := range rows {
		if filter.RepoID != "" && task.RepoID != filter.RepoID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if keyword != "" &&
			!strings.Contains(strings.ToLower(task.Title), keyword) &&
			!strings.Contains(strings.ToLower(task.Prompt), keyword) &&
			!strings.Contains(strings.ToLower(task.ID), keyword) {
			continue
		}
		tasks = append(tasks, task)
	}

	sortTasks(tasks)
	return tasks, nil
}

func sortTasks(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt < tasks[j].CreatedAt
	})
}

// GetTask returns the task with the given id, or ErrTaskNotFound.
func (s *Store) GetTask(taskID string) (*model.Task, error) {
	var rows []model.Task
	err := s.withLock("tasks", func() error {
		rows = readJSON[model.Task](s.tasksFile)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].ID == taskID {
			return &rows[i], nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", taskID, errors.ErrTaskNotFound)
}

// UpdateTask applies mutate to the stored task under the collection lock
// and refreshes updated_at. Returns the updated task.
func (s *Store) UpdateTask(taskID string, mutate func(*model.Task)) (*model.Task, error) {
	var updated *model.Task
	err := s.withLock("tasks", func() error {
		rows := readJSON[model.Task](s.tasksFile)
		for i := range rows {
			if rows[i].ID == taskID {
				mutate(&rows[i])
				rows[i].UpdatedAt = model.NowISO()
				updated = &rows[i]
				break
			}
		}
		if updated == nil {
			return fmt.Errorf("task %s: %w", taskID, errors.ErrTaskNotFound)
		}
		return writeJSONAtomic(s.tasksFile, rows)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ClaimNextTask atomically picks the most urgent runnable task and marks
// it running for workerID. Runnable means: cancel not requested, and
// either a PLAN task in TODO or an EXEC task in TODO or READY. Returns
// nil when no task is runnable.
func (s *Store) ClaimNextTask(workerID string) (*model.Task, error) {
	var claimed *model.Task
	err := s.withLock("tasks", func() error {
		rows := readJSON[model.Task](s.tasksFile)

		candidates := make([]int, 0)
		for i := range rows {
			if rows[i].CancelRequested {
				continue
			}
			switch {
			case rows[i].Mode == model.ModePlan && rows[i].Status == model.StatusTodo:
				candidates = append(candidates, i)
			case rows[i].Mode == model.ModeExec &&
				(rows[i].Status == model.StatusTodo || rows[i].Status == model.StatusReady):
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			return nil
		}

		sort.SliceStable(candidates, func(a, b int) bool {
			ta, tb := rows[candidates[a]], rows[candidates[b]]
			if ta.Priority != tb.Priority {
				return ta.Priority > tb.Priority
			}
			return ta.CreatedAt < tb.CreatedAt
		})

		picked := &rows[candidates[0]]
		if picked.Mode == model.ModePlan {
			picked.Status = model.StatusPlanRunning
		} else {
			picked.Status = model.StatusRunning
		}
		picked.UpdatedAt = model.NowISO()
		picked.WorkerID = workerID
		claimed = picked

		return writeJSONAtomic(s.tasksFile, rows)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CancelTask requests cancellation. Tasks waiting in TODO, READY or
// PLAN_REVIEW move straight to CANCELLED; running tasks only get the
// sticky flag and the runner finishes the transition.
func (s *Store) CancelTask(taskID string) (*model.Task, error) {
	task, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case model.StatusTodo, model.StatusReady, model.StatusPlanReview:
		return s.UpdateTask(taskID, func(t *model.Task) {
			t.Status = model.StatusCancelled
			t.CancelRequested = true
		})
	default:
		return s.UpdateTask(taskID, func(t *model.Task) {
			t.CancelRequested = true
		})
	}
}

// ResetTaskForRetry returns a task to TODO for another attempt, clearing
// error state and the current run pointer. resetMode optionally switches
// the pipeline mode.
func (s *Store) ResetTaskForRetry(taskID string, resetMode model.TaskMode) (*model.Task, error) {
	return s.UpdateTask(taskID, func(t *model.Task) {
		if resetMode != "" {
			t.Mode = resetMode
		}
		t.Status = model.StatusTodo
		t.ErrorCode = ""
		t.ErrorMessage = ""
		t.CancelRequested = false
		t.CurrentRunID = nil
	})
}

// NormalizeTaskIDs trims, drops empties and dedups while preserving order.
func NormalizeTaskIDs(taskIDs []string) []string {
	seen := make(map[string]bool, len(taskIDs))
	normalized := make([]string, 0, len(taskIDs))
	for _, raw := range taskIDs {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		normalized = append(normalized, id)
	}
	return normalized
}

// BatchFailure describes why one task of a batch operation was skipped.
type BatchFailure struct {
	TaskID       string `json:"task_id"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// recommendedAnswers collects each question's recommended option.
func recommendedAnswers(task *model.Task) map[string]string {
	answers := map[string]string{}
	if task.PlanResult == nil {
		return answers
	}
	for _, q := range task.PlanResult.Questions {
		if q.RecommendedOptionKey == nil {
			continue
		}
		key := strings.TrimSpace(*q.RecommendedOptionKey)
		if key != "" {
			answers[q.ID] = key
		}
	}
	return answers
}

// checkPlanReview validates a task for a batch plan operation.
func (s *Store) checkPlanReview(taskID string) (*model.Task, *BatchFailure) {
	task, err := s.GetTask(taskID)
	if err != nil {
		return nil, &BatchFailure{
			TaskID:       taskID,
			ErrorCode:    model.ErrCodeTaskNotFound,
			ErrorMessage: "task not found",
		}
	}
	if task.Status != model.StatusPlanReview {
		return nil, &BatchFailure{
			TaskID:       taskID,
			ErrorCode:    model.ErrCodeInvalidStatus,
			ErrorMessage: fmt.Sprintf("task status must be PLAN_REVIEW, got %s", task.Status),
		}
	}
	if task.PlanResult == nil {
		return nil, &BatchFailure{
			TaskID:       taskID,
			ErrorCode:    model.ErrCodePlanResultMissing,
			ErrorMessage: "plan_result is required for PLAN_REVIEW task",
		}
	}
	return task, nil
}

// BatchConfirmPlanTasks confirms reviewed plans using each question's
// recommended option and moves the tasks to EXEC/READY with the composed
// execution prompt.
func (s *Store) BatchConfirmPlanTasks(taskIDs []string) ([]model.Task, []BatchFailure) {
	updated := []model.Task{}
	failed := []BatchFailure{}

	for _, taskID := range NormalizeTaskIDs(taskIDs) {
		task, failure := s.checkPlanReview(taskID)
		if failure != nil {
			failed = append(failed, *failure)
			continue
		}

		answers := recommendedAnswers(task)
		finalPrompt := plan.BuildExecPrompt(task.Prompt, task.PlanResult, answers)
		patched, err := s.UpdateTask(task.ID, func(t *model.Task) {
			t.Mode = model.ModeExec
			t.Status = model.StatusReady
			t.Prompt = finalPrompt
			t.PlanAnswers = answers
			t.ErrorCode = ""
			t.ErrorMessage = ""
			t.CancelRequested = false
		})
		if err != nil {
			failed = append(failed, BatchFailure{
				TaskID:       taskID,
				ErrorCode:    model.ErrCodeUpdateFailed,
				ErrorMessage: "failed to update task",
			})
			continue
		}
		updated = append(updated, *patched)
	}
	return updated, failed
}

// BatchRevisePlanTasks sends reviewed plans back to planning with the
// user's feedback appended to the prompt.
func (s *Store) BatchRevisePlanTasks(taskIDs []string, feedback string) ([]model.Task, []BatchFailure) {
	updated := []model.Task{}
	failed := []BatchFailure{}

	for _, taskID := range NormalizeTaskIDs(taskIDs) {
		task, failure := s.checkPlanReview(taskID)
		if failure != nil {
			failed = append(failed, *failure)
			continue
		}

		revisedPrompt := plan.RevisedPrompt(task.Prompt, feedback)
		patched, err := s.UpdateTask(task.ID, func(t *model.Task) {
			t.Mode = model.ModePlan
			t.Status = model.StatusTodo
			t.Prompt = revisedPrompt
			t.ErrorCode = ""
			t.ErrorMessage = ""
			t.CancelRequested = false
		})
		if err != nil {
			failed = append(failed, BatchFailure{
				TaskID:       taskID,
				ErrorCode:    model.ErrCodeUpdateFailed,
				ErrorMessage: "failed to update task",
			})
			continue
		}
		updated = append(updated, *patched)
	}
	return updated, failed
}
