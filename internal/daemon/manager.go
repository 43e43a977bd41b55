// SPDX-License-Identifier: MIT

// Package daemon owns the long-lived runtime: HTTP servers, the raw
// directory watcher, and graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gemini-dr/gnirspipe/internal/config"
)

// ErrManagerNotStarted is returned by Shutdown before Start.
var ErrManagerNotStarted = errors.New("daemon: manager not started")

// ShutdownHook performs cleanup during graceful shutdown. Hooks run in
// reverse registration order.
type ShutdownHook func(ctx context.Context) error

// Manager runs the API and metrics servers and blocks until shutdown.
type Manager struct {
	serverCfg      config.ServerConfig
	metricsAddr    string
	apiHandler     http.Handler
	metricsHandler http.Handler

	apiServer     *http.Server
	metricsServer *http.Server

	shutdownHooks []namedHook

	started  bool
	stopping bool
	mu       sync.Mutex

	logger zerolog.Logger
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager creates a daemon manager. metricsHandler may be nil to
// disable the metrics listener.
func NewManager(serverCfg config.ServerConfig, metricsAddr string, apiHandler, metricsHandler http.Handler, logger zerolog.Logger) (*Manager, error) {
	if apiHandler == nil {
		return nil, fmt.Errorf("daemon: api handler is required")
	}

	return &Manager{
		serverCfg:      serverCfg,
		metricsAddr:    metricsAddr,
		apiHandler:     apiHandler,
		metricsHandler: metricsHandler,
		logger:         logger.With().Str("component", "manager").Logger(),
		shutdownHooks:  make([]namedHook, 0),
	}, nil
}

// Start starts the servers and blocks until the context is canceled or
// a server fails.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon: manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.serverCfg.ListenAddr).
		Dur("read_timeout", m.serverCfg.ReadTimeout).
		Dur("write_timeout", m.serverCfg.WriteTimeout).
		Msg("starting daemon manager")

	errChan := make(chan error, 2)

	if m.metricsHandler != nil && m.metricsAddr != "" {
		m.startMetricsServer(errChan)
	}
	m.startAPIServer(errChan)

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server error, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

func (m *Manager) startAPIServer(errChan chan<- error) {
	m.apiServer = &http.Server{
		Addr:              m.serverCfg.ListenAddr,
		Handler:           m.apiHandler,
		ReadTimeout:       m.serverCfg.ReadTimeout,
		ReadHeaderTimeout: m.serverCfg.ReadTimeout / 2,
		WriteTimeout:      m.serverCfg.WriteTimeout,
		IdleTimeout:       m.serverCfg.IdleTimeout,
		MaxHeaderBytes:    m.serverCfg.MaxHeaderBytes,
	}

	go func() {
		m.logger.Info().Str("addr", m.serverCfg.ListenAddr).Msg("API server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str("event", "api.server.failed").Msg("API server failed")
			errChan <- fmt.Errorf("API server: %w", err)
		}
	}()
}

func (m *Manager) startMetricsServer(errChan chan<- error) {
	m.metricsServer = &http.Server{
		Addr:              m.metricsAddr,
		Handler:           m.metricsHandler,
		ReadHeaderTimeout: m.serverCfg.ReadTimeout / 2,
	}

	go func() {
		m.logger.Info().Str("addr", m.metricsAddr).Msg("metrics server listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str("event", "metrics.server.failed").Msg("metrics server failed")
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

// Shutdown stops the servers and runs the registered hooks in reverse
// order. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down daemon manager")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.serverCfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("API server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(m.shutdownHooks) - 1; i >= 0; i-- {
		hook := m.shutdownHooks[i]
		start := time.Now()
		if err := hook.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", hook.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
		} else {
			m.logger.Debug().Str("hook", hook.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook completed")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	m.logger.Info().Msg("daemon manager stopped cleanly")
	return nil
}

// RegisterShutdownHook registers a cleanup function. Hooks run in
// reverse registration order.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}
