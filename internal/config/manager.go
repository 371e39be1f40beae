package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager owns the live gateway configuration and its hot-reload. Readers on
// the request path (scheduler, limiter, pricing) take the current snapshot via
// Get; a reload swaps the whole snapshot atomically, so a request never sees
// half of the old provider set and half of the new one.
type Manager struct {
	config     atomic.Pointer[Config]
	generation atomic.Uint64
	path       string
	watcher    *fsnotify.Watcher
	logger     *slog.Logger

	mu       sync.Mutex
	onChange []func(*Config)
}

// NewManager loads the file at path and fails fast if it does not validate.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.config.Store(cfg)
	m.generation.Store(1)

	return m, nil
}

// Get returns the current snapshot. Safe for concurrent use; callers must
// not mutate it.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Generation increments on every accepted reload. Components that cache
// derived state (compiled model routes, per-key RPM floors) compare it to
// decide whether to rebuild.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// OnChange registers a callback invoked with each accepted snapshot.
// Callbacks run sequentially on the watch goroutine.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the config file for changes until ctx is cancelled.
// The watch is on the parent directory, not the file: editors and config
// management tools replace the file by atomic rename, which would silently
// detach a watch on the old inode.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	// Writers emit bursts of events (truncate, write, chmod, rename);
	// debounce so one save means one reload.
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	base := filepath.Base(m.path)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, m.reload)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// reload parses and validates the file, then swaps it in. A file that fails
// to parse or validate leaves the serving snapshot untouched; a gateway
// running on yesterday's provider list beats one running on a broken one.
func (m *Manager) reload() {
	newCfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("config reload rejected, keeping current snapshot",
			"path", m.path,
			"error", err,
		)
		return
	}

	m.config.Store(newCfg)
	gen := m.generation.Add(1)
	m.logger.Info("configuration reloaded",
		"generation", gen,
		"scheduling_mode", newCfg.Scheduler.SchedulingMode,
	)

	m.mu.Lock()
	callbacks := make([]func(*Config), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(newCfg)
	}
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
