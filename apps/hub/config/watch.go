package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce coalesces the burst of events an editor save produces.
const WatchDebounce = 200 * time.Millisecond

// Watch reloads the config whenever config.json changes on disk and calls
// onChange with the previous and the new config when they differ. It
// returns once watching has started; watching stops with ctx.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger, onChange func(prev, next Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// The directory is watched so that atomic renames are seen.
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		prev, next, err := m.reload()
		if err != nil {
			log.Warn("ignoring config change", "err", err)
			return
		}
		if prev != next {
			log.Info("config changed on disk")
			onChange(prev, next)
		}
	}

	go func() {
		defer watcher.Close()
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.filePath) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(WatchDebounce, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "err", err)
			}
		}
	}()

	return nil
}

// reload re-reads config.json and returns the config before and after.
func (m *Manager) reload() (prev, next Config, err error) {
	m.mu.RLock()
	prev = m.config
	m.mu.RUnlock()

	next, err = m.read(prev)
	if err != nil {
		return prev, prev, err
	}

	m.mu.Lock()
	m.config = next
	m.mu.Unlock()
	return prev, next, nil
}
