package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metrics"
)

// ChangeHandler receives every successfully validated reload.
type ChangeHandler func(cfg *Config) error

// Watcher reloads a config file when it changes on disk. Invalid files are
// logged and ignored; the previous configuration stays in effect.
type Watcher struct {
	path     string
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
	started  bool
	stopCh   chan struct{}
	done     chan struct{}
	watcher  *fsnotify.Watcher

	// Polling fallback for filesystems where fsnotify is unreliable
	pollInterval  time.Duration
	enablePolling bool
	lastMod       time.Time
}

// NewWatcher creates a watcher for path, seeded with the already loaded cfg.
func NewWatcher(path string, cfg *Config, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &Watcher{
		path:         abs,
		logger:       logger,
		debounce:     50 * time.Millisecond,
		current:      cfg,
		pollInterval: 10 * time.Second,
	}, nil
}

// OnChange registers a handler. Handlers run in registration order on the
// watcher goroutine.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Current returns the last configuration that loaded and validated.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// EnablePolling adds a modification-time poll next to fsnotify.
func (w *Watcher) EnablePolling(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enablePolling = true
	if interval > 0 {
		w.pollInterval = interval
	}
}

// Start watches the directory holding the file, so that editors replacing the
// file atomically are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.started = true

	go w.watchLoop(ctx, fw, w.stopCh, w.done, w.enablePolling, w.pollInterval)

	w.logger.Info("Configuration watcher started",
		zap.String("path", w.path),
		zap.Bool("polling_enabled", w.enablePolling),
	)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	close(w.stopCh)
	done, fw := w.done, w.watcher
	w.started = false
	w.mu.Unlock()

	err := fw.Close()
	<-done
	w.logger.Info("Configuration watcher stopped")
	return err
}

func (w *Watcher) watchLoop(ctx context.Context, fw *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}, polling bool, interval time.Duration) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	var tick <-chan time.Time
	if polling {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleWatchEvent(event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		case <-tick:
			w.checkForChanges()
		}
	}
}

func (w *Watcher) handleWatchEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.logger.Debug("File system event",
		zap.String("file", filepath.Base(event.Name)),
		zap.String("op", event.Op.String()),
	)
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		// Small delay to let rapid successive writes settle
		time.Sleep(w.debounce)
		_ = w.Reload("modify")
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.logger.Warn("Config file removed; keeping current configuration", zap.String("path", w.path))
	}
}

func (w *Watcher) checkForChanges() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	changed := info.ModTime().After(w.lastMod)
	if changed {
		w.lastMod = info.ModTime()
	}
	w.mu.Unlock()
	if changed {
		_ = w.Reload("polling_detected")
	}
}

// Reload loads and validates the file, then hands it to every handler. The
// new config becomes current only if all handlers accept it.
func (w *Watcher) Reload(action string) error {
	cfg, err := Load(w.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("invalid").Inc()
		w.logger.Error("Failed to reload configuration",
			zap.String("path", w.path),
			zap.String("action", action),
			zap.Error(err),
		)
		return err
	}

	w.mu.RLock()
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.RUnlock()

	for _, h := range handlers {
		if err := h(cfg); err != nil {
			metrics.ConfigReloads.WithLabelValues("rejected").Inc()
			w.logger.Error("Configuration handler error",
				zap.String("path", w.path),
				zap.String("action", action),
				zap.Error(err),
			)
			return err
		}
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	metrics.ConfigReloads.WithLabelValues("success").Inc()
	w.logger.Info("Configuration reloaded", zap.String("path", w.path), zap.String("action", action))
	return nil
}
