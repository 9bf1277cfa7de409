package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads a Holder whenever its settings file changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	holder   *Holder
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher watches the directory containing path, since editors and
// FileStore.Save replace the file rather than writing it in place.
func NewWatcher(holder *Holder, path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}
	return &Watcher{
		watcher:  w,
		holder:   holder,
		path:     filepath.Clean(path),
		debounce: reloadDebounce,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.holder.Reload(ctx); err != nil {
					w.logger.Warn("settings reload failed, keeping previous", "path", w.path, "err", err)
					return
				}
				w.logger.Info("settings reloaded", "path", w.path)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("settings watcher error", "err", err)
		}
	}
}
