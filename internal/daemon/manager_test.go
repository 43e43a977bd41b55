// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gemini-dr/gnirspipe/internal/config"
)

func testServerConfig() config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func TestNewManagerRequiresHandler(t *testing.T) {
	_, err := NewManager(testServerConfig(), "", nil, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestManagerStartStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, err := NewManager(testServerConfig(), "", http.NotFoundHandler(), nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop after context cancel")
	}
}

func TestManagerDoubleStart(t *testing.T) {
	m, err := NewManager(testServerConfig(), "", http.NotFoundHandler(), nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	err = m.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestShutdownBeforeStart(t *testing.T) {
	m, err := NewManager(testServerConfig(), "", http.NotFoundHandler(), nil, zerolog.Nop())
	require.NoError(t, err)

	err = m.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrManagerNotStarted)
}

func TestShutdownHooksRunInReverseOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, err := NewManager(testServerConfig(), "", http.NotFoundHandler(), nil, zerolog.Nop())
	require.NoError(t, err)

	var order []string
	m.RegisterShutdownHook("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.RegisterShutdownHook("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestShutdownIdempotent(t *testing.T) {
	m, err := NewManager(testServerConfig(), "", http.NotFoundHandler(), nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.NoError(t, m.Shutdown(context.Background()))
}
