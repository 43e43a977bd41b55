// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gemini-dr/gnirspipe/internal/api"
	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/headercache"
	"github.com/gemini-dr/gnirspipe/internal/health"
	"github.com/gemini-dr/gnirspipe/internal/jobs"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/notify"
	"github.com/gemini-dr/gnirspipe/internal/state"
	"github.com/gemini-dr/gnirspipe/internal/telemetry"
	"github.com/gemini-dr/gnirspipe/internal/toolchain"
)

// App wires the daemon's subsystems together and owns their lifecycle.
type App struct {
	cfg      config.AppConfig
	manager  *Manager
	watcher  *Watcher
	pipeline *jobs.Pipeline
	provider *telemetry.Provider
}

// NewApp builds the full daemon from configuration: run store, header
// cache, toolchain runner, notifier, pipeline, health checks, tracing,
// and the HTTP servers.
func NewApp(ctx context.Context, cfg config.AppConfig) (*App, error) {
	logger := log.WithComponent("daemon")

	if err := health.PerformStartupChecks(logger, cfg); err != nil {
		return nil, err
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "gnirspipe",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := state.NewStore(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	var cache *headercache.Cache
	if cfg.HeaderCachePath != "" {
		cache, err = headercache.Open(cfg.HeaderCachePath)
	} else {
		cache, err = headercache.OpenInMemory()
	}
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open header cache: %w", err)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.RedisAddr != "" {
		notifier, err = notify.NewRedis(cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			// Eventing is auxiliary; start without it rather than
			// refusing to reduce data.
			logger.Warn().Err(err).Str("event", "notify.disabled").Msg("event publishing disabled")
			notifier = notify.Nop{}
		}
	}

	runner := toolchain.NewRunner(
		cfg.Toolchain.LauncherPath,
		cfg.Toolchain.TaskTimeout,
		cfg.Toolchain.KillGrace,
		cfg.Toolchain.StartRate,
	)

	pipeline := &jobs.Pipeline{
		Cfg:      cfg,
		Store:    store,
		Notifier: notifier,
		Cache:    cache,
		Runner:   runner,
	}

	healthMgr := health.NewManager(cfg.Version)
	healthMgr.RegisterChecker(health.NewDirChecker("data_dir", cfg.DataDir))
	healthMgr.RegisterChecker(health.NewDatabaseChecker("run_store", func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return store.Ping(pingCtx)
	}))
	healthMgr.RegisterChecker(health.NewLastRunChecker(func() (time.Time, string) {
		listCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runs, err := store.ListRuns(listCtx, 1)
		if err != nil || len(runs) == 0 {
			return time.Time{}, ""
		}
		return runs[0].StartedAt, runs[0].Error
	}))

	apiServer := api.NewServer(cfg, cfg.Version, pipeline, store, healthMgr)

	serverCfg := config.ParseServerConfig()
	serverCfg.ListenAddr = cfg.APIListenAddr

	var metricsHandler = promhttp.Handler()
	metricsAddr := cfg.MetricsAddr
	if !cfg.MetricsEnabled {
		metricsAddr = ""
	}

	manager, err := NewManager(serverCfg, metricsAddr, apiServer, metricsHandler, log.Base())
	if err != nil {
		_ = cache.Close()
		_ = store.Close()
		return nil, err
	}

	manager.RegisterShutdownHook("telemetry", provider.Shutdown)
	manager.RegisterShutdownHook("notifier", func(context.Context) error { return notifier.Close() })
	manager.RegisterShutdownHook("header_cache", func(context.Context) error { return cache.Close() })
	manager.RegisterShutdownHook("run_store", func(context.Context) error { return store.Close() })

	app := &App{
		cfg:      cfg,
		manager:  manager,
		pipeline: pipeline,
		provider: provider,
	}
	if cfg.WatchRaw && cfg.RawDir != "" {
		app.watcher = NewWatcher(cfg.RawDir, 0, pipeline)
	}
	return app, nil
}

// Run starts the servers and the raw-directory watcher and blocks
// until the context is canceled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.watcher != nil {
		g.Go(func() error {
			err := a.watcher.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		return a.manager.Start(ctx)
	})

	return g.Wait()
}

// Pipeline exposes the reduction pipeline, mainly for one-shot runs
// from the CLI.
func (a *App) Pipeline() *jobs.Pipeline {
	return a.pipeline
}
