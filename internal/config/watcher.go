package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reapplies the runtime-settable mining keys when the config file
// changes on disk. Static keys (daemon URL, listen addresses, logging)
// still require a restart.
type Watcher struct {
	logger   *zap.Logger
	path     string
	settings *Settings
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	debounce time.Duration
	timer    *time.Timer
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, settings *Settings, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		logger:   logger.Named("config"),
		path:     path,
		settings: settings,
		watcher:  fw,
		debounce: time.Second,
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	// Watch the directory too so editor rename-and-replace is seen.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("failed to watch config directory", zap.Error(err))
	}
	defer w.watcher.Close()

	w.logger.Info("config watcher started", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write):
				w.scheduleReload()
			case event.Op.Has(fsnotify.Create):
				_ = w.watcher.Add(w.path)
				w.scheduleReload()
			case event.Op.Has(fsnotify.Remove):
				w.logger.Warn("config file removed", zap.String("path", w.path))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current settings", zap.Error(err))
		return
	}

	w.settings.Apply(cfg.Mining)
	w.logger.Info("runtime settings reloaded",
		zap.Int("batch_size", cfg.Mining.BatchSize),
		zap.Bool("low_latency", cfg.Mining.LowLatency),
	)
}
