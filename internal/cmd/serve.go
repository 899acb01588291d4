package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/repopilot/repopilot/internal/config"
	"github.com/repopilot/repopilot/internal/logging"
	"github.com/repopilot/repopilot/internal/runner"
	"github.com/repopilot/repopilot/internal/scheduler"
	"github.com/repopilot/repopilot/internal/server"
	"github.com/repopilot/repopilot/internal/store"
	"github.com/repopilot/repopilot/internal/watch"
)

// shutdownTimeout bounds the drain of in-flight HTTP requests.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, the worker pool and the repos watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	log, err := logging.NewLogger(cfg.Paths.LogsDir(), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	st, err := store.New(cfg.Paths.StateDir, cfg.Paths.ReposDir)
	if err != nil {
		return err
	}

	// Reconcile the repo collection before the first task can be claimed.
	repos, err := st.RescanRepos()
	if err != nil {
		log.Warn("startup rescan failed", "error", err.Error())
	} else {
		log.Info("startup rescan", "repos", len(repos))
	}

	run := runner.New(st, cfg, log)
	sched := scheduler.New(st, run, cfg, log)
	sched.Start()
	defer sched.Stop()

	watcher, err := watch.New(st, log)
	if err != nil {
		log.Warn("repos watcher unavailable", "error", err.Error())
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	api := server.New(st, cfg, sched, run, log)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http shutdown incomplete", "error", err.Error())
	}
	return nil
}
