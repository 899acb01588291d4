// Package server exposes the HTTP API: board, repos, tasks, events,
// notifications, settings, health and backend logs.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/repopilot/repopilot/internal/config"
	"github.com/repopilot/repopilot/internal/logging"
	"github.com/repopilot/repopilot/internal/model"
	"github.com/repopilot/repopilot/internal/store"
	"github.com/repopilot/repopilot/internal/sysenv"
)

// TaskCanceller terminates the running process of a task. Satisfied by
// scheduler.Scheduler.
type TaskCanceller interface {
	RequestCancel(taskID string)
}

// WorktreeCleaner removes the worktree of a finished task. Satisfied by
// runner.Runner.
type WorktreeCleaner interface {
	CleanupExecWorktreeForTask(task *model.Task, triggerStatus model.TaskStatus, snapshotOnFailure bool) bool
}

// Server is the HTTP API.
type Server struct {
	store   *store.Store
	cfg     *config.Config
	sched   TaskCanceller
	cleaner WorktreeCleaner
	log     *logging.Logger
	mux     *http.ServeMux
}

// New wires the API routes. sched and cleaner may be nil in tests.
func New(st *store.Store, cfg *config.Config, sched TaskCanceller, cleaner WorktreeCleaner, log *logging.Logger) *Server {
	s := &Server{
		store:   st,
		cfg:     cfg,
		sched:   sched,
		cleaner: cleaner,
		log:     log.WithComponent("server"),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/settings/exec-mode", s.handleGetExecMode)
	s.mux.HandleFunc("PUT /api/settings/exec-mode", s.handlePutExecMode)

	s.mux.HandleFunc("GET /api/repos", s.handleListRepos)
	s.mux.HandleFunc("POST /api/repos/rescan", s.handleRescanRepos)
	s.mux.HandleFunc("PATCH /api/repos/{repo_id}", s.handlePatchRepo)

	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("POST /api/tasks/plan/batch/confirm", s.handleBatchConfirmPlan)
	s.mux.HandleFunc("POST /api/tasks/plan/batch/revise", s.handleBatchRevisePlan)
	s.mux.HandleFunc("GET /api/tasks/{task_id}", s.handleGetTask)
	s.mux.HandleFunc("GET /api/tasks/{task_id}/events", s.handleGetEvents)
	s.mux.HandleFunc("POST /api/tasks/{task_id}/cancel", s.handleCancelTask)
	s.mux.HandleFunc("POST /api/tasks/{task_id}/retry", s.handleRetryTask)
	s.mux.HandleFunc("POST /api/tasks/{task_id}/done", s.handleMarkDone)
	s.mux.HandleFunc("POST /api/tasks/{task_id}/plan/confirm", s.handleConfirmPlan)
	s.mux.HandleFunc("POST /api/tasks/{task_id}/plan/revise", s.handleRevisePlan)

	s.mux.HandleFunc("GET /api/board", s.handleBoard)

	s.mux.HandleFunc("GET /api/notifications", s.handleListNotifications)
	s.mux.HandleFunc("POST /api/notifications/{notification_id}/read", s.handleMarkNotificationRead)

	s.mux.HandleFunc("GET /api/logs/backend", s.handleBackendLogs)
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

// corsMiddleware allows browser frontends on any origin, matching the
// permissive policy of a localhost tool.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError mirrors the {"detail": ...} error shape clients expect.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// decodeJSON parses a request body. An empty body decodes to the zero
// value so action endpoints work without a payload.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sysenv.GetHealth(&s.cfg.Paths))
}

func (s *Server) handleGetExecMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]model.ExecMode{"exec_mode": config.CurrentExecMode()})
}

func (s *Server) handlePutExecMode(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ExecMode string `json:"exec_mode"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, ok := config.ParseExecMode(payload.ExecMode)
	if !ok {
		writeError(w, http.StatusBadRequest, "exec_mode must be AGENTIC or FIXED")
		return
	}
	config.SetExecMode(mode)
	s.log.Info("exec mode updated", "exec_mode", string(mode))
	writeJSON(w, http.StatusOK, map[string]model.ExecMode{"exec_mode": config.CurrentExecMode()})
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepos()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleRescanRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.RescanRepos()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handlePatchRepo(w http.ResponseWriter, r *http.Request) {
	var patch store.RepoPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	repo, err := s.store.PatchRepo(r.PathValue("repo_id"), patch)
	if err != nil {
		writeError(w, http.StatusNotFound, "repo not found")
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	columns, counts, err := s.store.Board(r.URL.Query().Get("repo_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns": columns,
		"counts":  counts,
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := s.store.ListNotifications()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	notif, err := s.store.MarkNotificationRead(r.PathValue("notification_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, notif)
}

func (s *Server) handleBackendLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 2000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 2000")
			return
		}
		lines = parsed
	}

	logPath := filepath.Join(s.cfg.Paths.LogsDir(), logging.BackendLogName)
	content, err := logging.Tail(logPath, lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    logPath,
		"lines":   len(content),
		"content": content,
	})
}
