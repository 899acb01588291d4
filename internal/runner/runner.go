// Package runner executes claimed tasks: it drives the agent CLI in a
// per-task git worktree, streams its output into the task event log and
// moves the task through the plan and execution pipelines.
package runner

import (
	"sync"

	"github.com/google/uuid"

	"github.com/repopilot/repopilot/internal/config"
	"github.com/repopilot/repopilot/internal/gitops"
	"github.com/repopilot/repopilot/internal/logging"
	"github.com/repopilot/repopilot/internal/model"
	"github.com/repopilot/repopilot/internal/store"
	"github.com/repopilot/repopilot/internal/sysenv"
)

// Runner drives the agent CLI for one task at a time per worker.
type Runner struct {
	store *store.Store
	cfg   *config.Config
	git   *gitops.Git
	log   *logging.Logger

	mu    sync.Mutex
	procs map[string]process

	// Seams for tests.
	startProcess processStarter
	newSessionID func() string
	selectEnv    func() string
}

// New returns a Runner using the real agent binary and git.
func New(st *store.Store, cfg *config.Config, log *logging.Logger) *Runner {
	return &Runner{
		store:        st,
		cfg:          cfg,
		git:          gitops.New(),
		log:          log.WithComponent("runner"),
		procs:        make(map[string]process),
		startProcess: startOSProcess,
		newSessionID: uuid.NewString,
		selectEnv:    sysenv.DefaultCondaEnv,
	}
}

// Cancel terminates the running process for a task, if any. The sticky
// cancel flag on the task is set by the store; this only speeds up the
// exit.
func (r *Runner) Cancel(taskID string) {
	r.log.Info("terminating process", "task_id", taskID)
	r.mu.Lock()
	proc := r.procs[taskID]
	r.mu.Unlock()
	if proc != nil {
		proc.Terminate()
	}
}

func (r *Runner) registerProc(taskID string, proc process) {
	r.mu.Lock()
	r.procs[taskID] = proc
	r.mu.Unlock()
}

func (r *Runner) unregisterProc(taskID string) {
	r.mu.Lock()
	delete(r.procs, taskID)
	r.mu.Unlock()
}

func (r *Runner) isCancelRequested(taskID string) bool {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return false
	}
	return task.CancelRequested
}

// RunTask executes one claimed task to completion. PLAN tasks run the
// planning pipeline; EXEC tasks run the fixed or agentic pipeline per the
// current execution mode.
func (r *Runner) RunTask(task *model.Task, workerID string) {
	selectedEnv := r.selectEnv()
	if selectedEnv == "" {
		selectedEnv = "none"
	}
	log := r.log.WithWorker(workerID).WithTask(task.ID)
	log.Info("run start", "mode", string(task.Mode), "env", selectedEnv)

	run, err := r.store.CreateRun(task.ID, workerID, selectedEnv)
	if err != nil {
		log.Error("failed to create run", "error", err.Error())
		return
	}

	if task.Mode == model.ModePlan {
		r.runPlan(task, run.ID, log)
		return
	}

	if config.CurrentExecMode() == model.ExecFixed {
		r.runExecFixed(task, run.ID, log)
	} else {
		r.runExecAgentic(task, run.ID, log)
	}
}

// finishRun stamps the run's exit code and end time.
func (r *Runner) finishRun(runID string, exitCode int) {
	if _, err := r.store.UpdateRun(runID, func(run *model.TaskRun) {
		code := exitCode
		run.ExitCode = &code
		now := model.NowISO()
		run.EndedAt = &now
	}); err != nil {
		r.log.Warn("failed to finish run", "run_id", runID, "error", err.Error())
	}
}

func (r *Runner) markCancelled(task *model.Task, runID, reason string) {
	r.store.UpdateTask(task.ID, func(t *model.Task) {
		t.Status = model.StatusCancelled
		t.ErrorCode = model.ErrCodeCancelled
		t.ErrorMessage = reason
		id := runID
		t.CurrentRunID = &id
	})
	r.store.CreateNotification(task.ID, model.NotifyInfo, "任务已取消: "+task.Title, reason)
}

func (r *Runner) markFailed(task *model.Task, runID, code, message string) {
	r.store.UpdateTask(task.ID, func(t *model.Task) {
		t.Status = model.StatusFailed
		t.ErrorCode = code
		t.ErrorMessage = message
		id := runID
		t.CurrentRunID = &id
	})
	r.store.CreateNotification(task.ID, model.NotifyError, "任务失败: "+task.Title, truncateRunes(message, 500))
}

func (r *Runner) markReview(task *model.Task, runID, prURL string) {
	r.store.UpdateTask(task.ID, func(t *model.Task) {
		t.Status = model.StatusReview
		t.PRURL = prURL
		t.ErrorCode = ""
		t.ErrorMessage = ""
		id := runID
		t.CurrentRunID = &id
		t.CancelRequested = false
	})
	r.store.CreateNotification(task.ID, model.NotifySuccess, "任务进入 Review: "+task.Title, prURL)
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
