package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ExecutionApplier receives the hot-reloadable execution parameters
// after a config file change passed validation.
type ExecutionApplier interface {
	ApplyExecutionParams(ExecutionConfig) error
}

// Watcher reloads the config file on change and pushes the execution
// parameters (fallback_enabled, fallback_timeout_sec, poll_interval_sec)
// to the registered appliers. Other fields require a restart; they are
// reloaded but ignored here.
type Watcher struct {
	path     string
	cooldown time.Duration

	mu         sync.Mutex
	appliers   []ExecutionApplier
	lastReload time.Time
	onError    func(error)

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWatcher creates a config file watcher. A cooldown of zero
// defaults to 2s; editors tend to fire several write events per save.
func NewWatcher(path string, cooldown time.Duration) (*Watcher, error) {
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		cooldown: cooldown,
		watcher:  fsw,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// RegisterApplier adds a receiver for reloaded execution parameters.
func (w *Watcher) RegisterApplier(a ExecutionApplier) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.appliers = append(w.appliers, a)
}

// SetErrorHandler installs a callback for reload/apply failures.
func (w *Watcher) SetErrorHandler(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = fn
}

// Start begins watching the config file.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	go w.run()
	return nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() error {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	select {
	case <-w.doneChan:
	case <-time.After(time.Second):
	}
	return w.watcher.Close()
}

// LastReload returns the time of the last successful reload.
func (w *Watcher) LastReload() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload
}

func (w *Watcher) run() {
	defer close(w.doneChan)
	for {
		select {
		case <-w.stopChan:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.handleChange()
			}
			// some editors replace the file; re-add after rename
			if ev.Op&fsnotify.Rename != 0 {
				time.Sleep(100 * time.Millisecond)
				_ = w.watcher.Add(w.path)
				w.handleChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.fail(fmt.Errorf("config watch: %w", err))
		}
	}
}

func (w *Watcher) handleChange() {
	w.mu.Lock()
	if time.Since(w.lastReload) < w.cooldown {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := LoadWithEnvOverrides(w.path)
	if err != nil {
		w.fail(fmt.Errorf("config reload rejected: %w", err))
		return
	}

	w.mu.Lock()
	w.lastReload = time.Now()
	appliers := make([]ExecutionApplier, len(w.appliers))
	copy(appliers, w.appliers)
	w.mu.Unlock()

	for _, a := range appliers {
		if err := a.ApplyExecutionParams(cfg.Execution); err != nil {
			w.fail(fmt.Errorf("apply execution params: %w", err))
		}
	}
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	fn := w.onError
	w.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
