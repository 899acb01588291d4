// Package watch triggers repository rescans when the repos directory
// changes on disk, so clones added or removed outside the API show up
// without a manual rescan call.
package watch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/repopilot/repopilot/internal/logging"
	"github.com/repopilot/repopilot/internal/model"
)

// Rescanner reconciles the repo collection with the repos directory.
// Satisfied by store.Store.
type Rescanner interface {
	RescanRepos() ([]model.RepoConfig, error)
	ReposDir() string
}

// debounceDelay is how long the watcher waits after the last event before
// rescanning. A git clone emits a burst of directory events.
const debounceDelay = 500 * time.Millisecond

// Watcher observes the repos directory and debounces rescans.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    Rescanner
	log      *logging.Logger
	debounce time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a Watcher for the store's repos directory.
func New(store Rescanner, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(store.ReposDir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		watcher:  fsw,
		store:    store,
		log:      log.WithComponent("watch"),
		debounce: debounceDelay,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Call Stop to release the watcher.
func (w *Watcher) Start() {
	w.log.Info("watching repos directory", "path", w.store.ReposDir())
	go w.loop()
}

// Stop terminates the watch loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	select {
	case <-w.stopCh:
		w.mu.Unlock()
		return
	default:
	}
	close(w.stopCh)
	w.mu.Unlock()

	w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C
	pending := false

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Only structural changes to the directory matter; writes
			// inside clones are the runner's business.
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			if !pending {
				continue
			}
			pending = false
			repos, err := w.store.RescanRepos()
			if err != nil {
				w.log.Warn("rescan after fs event failed", "error", err.Error())
				continue
			}
			w.log.Info("rescan after fs event", "repos", len(repos))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err.Error())
		}
	}
}
