package store

import "github.com/repopilot/repopilot/internal/model"

// BoardColumns is the fixed column order of the task board.
var BoardColumns = []string{"TODO", "RUNNING", "REVIEW", "DONE", "FAILED", "CANCELLED"}

// Board groups tasks into display columns: waiting states under TODO,
// both running states under RUNNING and both review states under REVIEW.
func (s *Store) Board(repoID string) (map[string][]model.Task, map[string]int, error) {
	tasks, err := s.ListTasks(TaskFilter{RepoID: repoID})
	if err != nil {
		return nil, nil, err
	}

	columns := make(map[string][]model.Task, len(BoardColumns))
	for _, col := range BoardColumns {
		columns[col] = []model.Task{}
	}

	for _, task := range tasks {
		var key string
		switch task.Status {
		case model.StatusTodo, model.StatusReady:
			key = "TODO"
		case model.StatusRunning, model.StatusPlanRunning:
			key = "RUNNING"
		case model.StatusReview, model.StatusPlanReview:
			key = "REVIEW"
		case model.StatusDone:
			key = "DONE"
		case model.StatusFailed:
			key = "FAILED"
		default:
			key = "CANCELLED"
		}
		columns[key] = append(columns[key], task)
	}

	counts := make(map[string]int, len(columns))
	for key, value := range columns {
		counts[key] = len(value)
	}
	return columns, counts, nil
}
