package store

import (
	"fmt"
	"sort"

	"github.com/repopilot/repopilot/internal/errors"
	"github.com/repopilot/repopilot/internal/model"
)

// CreateRun records a new attempt for a task and points the task's
// current_run_id at it. The attempt number counts prior runs of the task.
// The task update is a separate write; a crash between the two leaves a
// run without a pointer, which the runner tolerates by re-reading.
func (s *Store) CreateRun(taskID, workerID, toolEnvUsed string) (*model.TaskRun, error) {
	var run *model.TaskRun
	err := s.withLock("runs", func() error {
		rows := readJSON[model.TaskRun](s.runsFile)

		attempt := 1
		existing := make(map[string]bool, len(rows))
		for _, row := range rows {
			existing[row.ID] = true
			if row.TaskID == taskID {
				attempt++
			}
		}

		id, err := allocateID(existing)
		if err != nil {
			return err
		}

		run = &model.TaskRun{
			ID:          id,
			TaskID:      taskID,
			WorkerID:    workerID,
			Attempt:     attempt,
			StartedAt:   model.NowISO(),
			ToolEnvUsed: toolEnvUsed,
			Metrics:     map[string]any{},
		}
		rows = append(rows, *run)
		return writeJSONAtomic(s.runsFile, rows)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.UpdateTask(taskID, func(t *model.Task) {
		id := run.ID
		t.CurrentRunID = &id
	}); err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateRun applies mutate to the stored run under the collection lock.
// Task timestamps are not touched.
func (s *Store) UpdateRun(runID string, mutate func(*model.TaskRun)) (*model.TaskRun, error) {
	var updated *model.TaskRun
	err := s.withLock("runs", func() error {
		rows := readJSON[model.TaskRun](s.runsFile)
		for i := range rows {
			if rows[i].ID == runID {
				mutate(&rows[i])
				updated = &rows[i]
				break
			}
		}
		if updated == nil {
			return fmt.Errorf("run %s: %w", runID, errors.ErrRunNotFound)
		}
		return writeJSONAtomic(s.runsFile, rows)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetRun returns the run with the given id, or ErrRunNotFound.
func (s *Store) GetRun(runID string) (*model.TaskRun, error) {
	var rows []model.TaskRun
	err := s.withLock("runs", func() error {
		rows = readJSON[model.TaskRun](s.runsFile)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].ID == runID {
			return &rows[i], nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", runID, errors.ErrRunNotFound)
}

// ListRuns returns runs, optionally filtered to one task, ordered by
// start time.
func (s *Store) ListRuns(taskID string) ([]model.TaskRun, error) {
	var rows []model.TaskRun
	err := s.withLock("runs", func() error {
		rows = readJSON[model.TaskRun](s.runsFile)
		return nil
	})
	if err != nil {
		return nil, err
	}

	runs := make([]model.TaskRun, 0, len(rows))
	for _, run := range rows {
		if taskID != "" && run.TaskID != taskID {
			continue
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt < runs[j].StartedAt
	})
	return runs, nil
}
