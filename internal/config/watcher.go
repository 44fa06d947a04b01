package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultDebounce is the quiet period before a changed file is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the configuration file into a Store when it changes.
type Watcher struct {
	path     string
	store    *Store
	debounce time.Duration
	onReload func(*domain.Config)
	logger   *slog.Logger

	fs *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	done    chan struct{}
}

// NewWatcher creates a watcher for path. onReload, if set, runs after every
// successful swap with the new snapshot.
func NewWatcher(path string, store *Store, onReload func(*domain.Config), logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config: watch path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		debounce: DefaultDebounce,
		onReload: onReload,
		logger:   logger.With("component", "config.watcher"),
		fs:       fs,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce overrides the quiet period. Call before Watch.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Watch blocks until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are still seen.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("config: watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		w.fs.Close()
		close(w.done)
	}()

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.path, err)
	}
	w.logger.Info("config watcher started", "path", w.path, "debounce_ms", w.debounce.Milliseconds())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return errors.New("config: watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path || event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("config file event", "op", event.Op.String())
			w.trigger()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return errors.New("config: watcher errors channel closed")
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// Done is closed once Watch has returned.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// trigger restarts the debounce timer.
func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload loads the file and swaps it in. A file that fails to load or
// validate leaves the current snapshot in place.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "error", err)
		return
	}
	if _, err := w.store.Swap(cfg); err != nil {
		w.logger.Error("config reload rejected", "error", err)
		return
	}
	w.logger.Info("config reloaded", "strategies", len(cfg.Engine.Strategies))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
