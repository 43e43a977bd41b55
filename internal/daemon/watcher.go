// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gemini-dr/gnirspipe/internal/jobs"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/state"
)

// runStarter triggers a reduction run.
type runStarter interface {
	Start(ctx context.Context, trigger string) (*state.Run, error)
}

// Watcher triggers a reduction run when new frames land in the raw
// directory. Telescope transfers arrive as bursts of files, so events
// are debounced: the run starts only after the directory has been
// quiet for the debounce window.
type Watcher struct {
	dir      string
	debounce time.Duration
	pipeline runStarter
}

// NewWatcher creates a raw-directory watcher. A zero debounce defaults
// to 30 seconds.
func NewWatcher(dir string, debounce time.Duration, pipeline runStarter) *Watcher {
	if debounce <= 0 {
		debounce = 30 * time.Second
	}
	return &Watcher{dir: dir, debounce: debounce, pipeline: pipeline}
}

// Run watches until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponent("watcher")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	logger.Info().
		Str("event", "watcher.started").
		Str("dir", w.dir).
		Dur("debounce", w.debounce).
		Msg("watching raw directory")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug().Str("event", "watcher.activity").Str("file", ev.Name).Msg("raw directory activity")
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			armed = true

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("event", "watcher.error").Msg("watch error")

		case <-timer.C:
			armed = false
			run, err := w.pipeline.Start(ctx, "watch")
			switch {
			case errors.Is(err, jobs.ErrRunInProgress):
				// Try again after another quiet window; the new frames
				// still need a run of their own.
				logger.Info().Str("event", "watcher.deferred").Msg("run in progress, deferring triggered run")
				timer.Reset(w.debounce)
				armed = true
			case err != nil:
				logger.Error().Err(err).Str("event", "watcher.trigger_failed").Msg("failed to start reduction run")
			default:
				logger.Info().Str("event", "watcher.triggered").Str("runId", run.ID).Msg("reduction run triggered")
			}
		}
	}
}
