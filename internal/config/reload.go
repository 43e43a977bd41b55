// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	xlog "github.com/gemini-dr/gnirspipe/internal/log"
)

// Holder holds configuration with atomic reloading capability. It provides
// thread-safe access and supports hot reloading from file, SIGHUP or the API.
type Holder struct {
	mu         sync.RWMutex
	current    AppConfig
	loader     *Loader
	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	reloadMu        sync.RWMutex
	reloadListeners []chan<- AppConfig
}

// NewHolder creates a holder seeded with the initial configuration.
func NewHolder(initial AppConfig, loader *Loader, configPath string) *Holder {
	return &Holder{
		current:    initial,
		loader:     loader,
		configPath: configPath,
		logger:     xlog.WithComponent("config"),
	}
}

// Current returns the current configuration (thread-safe read).
func (h *Holder) Current() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload reloads configuration from file. If loading or validation fails the
// old configuration is kept, so updates are all-or-nothing.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("event", "config.reload_failed").
			Msg("failed to load new configuration, keeping current")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	h.current = newCfg
	h.mu.Unlock()

	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	h.notifyListeners(newCfg)
	return nil
}

// Subscribe registers a channel that receives each successfully reloaded
// configuration. Sends are non-blocking; slow listeners miss updates.
func (h *Holder) Subscribe(ch chan<- AppConfig) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.reloadListeners = append(h.reloadListeners, ch)
}

func (h *Holder) notifyListeners(cfg AppConfig) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()
	for _, ch := range h.reloadListeners {
		select {
		case ch <- cfg:
		default:
		}
	}
}

// Watch starts watching the config file for changes until ctx is cancelled.
// Editors and config writers often replace the file, so the parent directory
// is watched and events are debounced.
func (h *Holder) Watch(ctx context.Context) error {
	if h.configPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	h.watcher = watcher

	dir := filepath.Dir(h.configPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	defer func() {
		if err := h.watcher.Close(); err != nil {
			h.logger.Debug().Err(err).Msg("close config watcher")
		}
	}()

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(h.configPath) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Str("event", "config.watch_error").Msg("config watcher error")
		case <-fire:
			if err := h.Reload(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("hot reload failed")
			}
		}
	}
}
