// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-dr/gnirspipe/internal/jobs"
	"github.com/gemini-dr/gnirspipe/internal/state"
)

type countingStarter struct {
	calls atomic.Int32
	err   error
}

func (s *countingStarter) Start(context.Context, string) (*state.Run, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &state.Run{ID: "run-1", State: state.StateRunning}, nil
}

func TestWatcherTriggersAfterQuietWindow(t *testing.T) {
	dir := t.TempDir()
	starter := &countingStarter{}
	w := NewWatcher(dir, 50*time.Millisecond, starter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "N20160524S0001.fits"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		return starter.calls.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond, "watcher did not trigger a run")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	starter := &countingStarter{}
	w := NewWatcher(dir, 200*time.Millisecond, starter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, fmt.Sprintf("N20160524S%04d.fits", i))
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return starter.calls.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	// The burst must collapse into a single trigger.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), starter.calls.Load())
}

func TestWatcherRetriesWhenRunInProgress(t *testing.T) {
	dir := t.TempDir()
	starter := &countingStarter{err: jobs.ErrRunInProgress}
	w := NewWatcher(dir, 50*time.Millisecond, starter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame.fits"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		return starter.calls.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond, "watcher did not retry after conflict")
}

func TestWatcherMissingDir(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing"), 50*time.Millisecond, &countingStarter{})
	err := w.Run(context.Background())
	require.Error(t, err)
}
