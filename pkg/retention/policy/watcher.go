package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the policy file for changes and triggers reloads.
// It debounces events to prevent reload storms from editors that write
// files in multiple syscalls.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	path     string
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	running bool
}

// NewWatcher creates a watcher for the given policy file path.
func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		logger:   slog.Default().With("component", "retention.policy.watcher"),
		path:     path,
		debounce: debounce,
	}, nil
}

// Watch blocks until ctx is cancelled, invoking onReload (debounced) each
// time the policy file changes. The parent directory is watched rather
// than the file itself so atomic rename-into-place saves are seen.
func (w *Watcher) Watch(ctx context.Context, onReload func() error) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info("policy watcher started",
		"path", w.path,
		"debounce_ms", w.debounce.Milliseconds(),
	)

	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("policy watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(onReload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("policy watcher error", "error", err)
		}
	}
}

// scheduleReload resets the debounce timer; the reload fires once the file
// has been quiet for the debounce interval.
func (w *Watcher) scheduleReload(onReload func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := onReload(); err != nil {
			w.logger.Error("policy reload failed, keeping previous policy set",
				"path", w.path,
				"error", err,
			)
			return
		}
		w.logger.Info("policy set reloaded", "path", w.path)
	})
}
