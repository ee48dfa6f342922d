package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/events"
)

// DefaultDebounce is the quiet period before a reload.
const DefaultDebounce = 2 * time.Second

// Reloader rebuilds the dataset from a file.
type Reloader interface {
	Reload(path string) error
}

// FileWatcher monitors the dataset file with debouncing.
// It collects rapid changes and triggers a single reload after things settle.
//
// Used by: main (webhook and console modes)
// Connects to: dataset.Store (Reload), events.Broker (DatasetReloadedEvent)
type FileWatcher struct {
	path          string
	debounceDelay time.Duration
	reloader      Reloader
	broker        *events.Broker
	logger        *zap.Logger

	timer   *time.Timer
	timerMu sync.Mutex
	pending int
}

// Option configures a FileWatcher.
type Option func(*FileWatcher)

// WithDebounce sets the quiet period. Non-positive values keep the default.
func WithDebounce(d time.Duration) Option {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounceDelay = d
		}
	}
}

// WithBroker publishes reload results.
func WithBroker(b *events.Broker) Option {
	return func(w *FileWatcher) { w.broker = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *FileWatcher) { w.logger = l }
}

// New creates a watcher for path.
func New(path string, reloader Reloader, opts ...Option) *FileWatcher {
	w := &FileWatcher{
		path:          filepath.Clean(path),
		debounceDelay: DefaultDebounce,
		reloader:      reloader,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is done. It watches the parent directory so that
// files replaced by rename keep being observed.
func (w *FileWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create dataset watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}
	w.logger.Info("watching dataset", zap.String("path", w.path))

	defer w.stop()
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.relevant(ev) {
				w.FileChanged()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("dataset watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *FileWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// FileChanged records a change. Multiple rapid calls are debounced into a
// single reload.
func (w *FileWatcher) FileChanged() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	w.pending++
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.processPending)
}

// processPending runs when the debounce timer fires.
func (w *FileWatcher) processPending() {
	w.timerMu.Lock()
	changes := w.pending
	w.pending = 0
	w.timer = nil
	w.timerMu.Unlock()

	if changes == 0 {
		return
	}

	err := w.reloader.Reload(w.path)
	if err != nil {
		w.logger.Error("dataset reload after change failed", zap.Int("changes", changes), zap.Error(err))
	} else {
		w.logger.Info("dataset reloaded after change", zap.Int("changes", changes))
	}
	w.broker.Publish(events.DatasetReloadedEvent, events.DatasetPayload{Path: w.path, Err: err})
}

func (w *FileWatcher) stop() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = 0
}
