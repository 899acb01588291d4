// Package scheduler runs the worker pool that claims and executes tasks,
// plus a janitor goroutine that expires old event logs.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/repopilot/repopilot/internal/config"
	"github.com/repopilot/repopilot/internal/logging"
	"github.com/repopilot/repopilot/internal/model"
	"github.com/repopilot/repopilot/internal/store"
)

// TaskExecutor runs one claimed task to completion and can terminate the
// process of a running task. Satisfied by runner.Runner.
type TaskExecutor interface {
	RunTask(task *model.Task, workerID string)
	Cancel(taskID string)
}

// idleSleep is how long an idle worker waits before polling again.
const idleSleep = time.Second

// janitorInterval is the pause between log cleanup sweeps.
const janitorInterval = 3600 * time.Second

// Scheduler owns the worker goroutines and the janitor.
type Scheduler struct {
	store  *store.Store
	runner TaskExecutor
	cfg    *config.Config
	log    *logging.Logger

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New returns a stopped Scheduler.
func New(st *store.Store, r TaskExecutor, cfg *config.Config, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		runner: r,
		cfg:    cfg,
		log:    log.WithComponent("scheduler"),
	}
}

// Start launches the worker pool and the janitor. Starting twice is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.log.Info("starting scheduler", "workers", s.cfg.Scheduler.Workers)

	for idx := 0; idx < s.cfg.Scheduler.Workers; idx++ {
		workerID := fmt.Sprintf("worker-%d", idx)
		s.wg.Add(1)
		go s.workerLoop(workerID)
	}

	s.wg.Add(1)
	go s.janitorLoop()
}

// Stop signals all goroutines and waits for them to drain. In-flight
// agent runs finish their current task first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.log.Info("stopping scheduler")
	s.wg.Wait()
}

// RequestCancel terminates the running process for a task, if any.
func (s *Scheduler) RequestCancel(taskID string) {
	s.log.Info("cancel requested", "task_id", taskID)
	s.runner.Cancel(taskID)
}

func (s *Scheduler) workerLoop(workerID string) {
	defer s.wg.Done()
	log := s.log.WithWorker(workerID)
	log.Info("worker loop started")

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		task, err := s.store.ClaimNextTask(workerID)
		if err != nil {
			log.Error("claim failed", "error", err.Error())
			task = nil
		}
		if task == nil {
			select {
			case <-s.stop:
				return
			case <-time.After(idleSleep):
			}
			continue
		}

		log.Info("claimed task", "task_id", task.ID, "mode", string(task.Mode))
		s.safeRun(workerID, task, log)
	}
}

// safeRun shields the worker loop from runner panics; the task is failed
// instead of wedging the worker.
func (s *Scheduler) safeRun(workerID string, task *model.Task, log *logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker crashed while running task", "task_id", task.ID, "panic", fmt.Sprint(r))
			s.store.UpdateTask(task.ID, func(t *model.Task) {
				t.Status = model.StatusFailed
				t.ErrorCode = model.ErrCodeSchedulerCrash
				t.ErrorMessage = fmt.Sprint(r)
			})
		}
	}()
	s.runner.RunTask(task, workerID)
}

func (s *Scheduler) janitorLoop() {
	defer s.wg.Done()
	for {
		deleted, err := s.store.CleanupOldLogs(s.cfg.Scheduler.LogsRetentionDays)
		if err != nil {
			s.log.Warn("log cleanup failed", "error", err.Error())
		} else if deleted > 0 {
			s.log.Info("log cleanup deleted files", "count", deleted)
		}

		select {
		case <-s.stop:
			return
		case <-time.After(janitorInterval):
		}
	}
}
