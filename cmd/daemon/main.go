// SPDX-License-Identifier: MIT

// daemon is the GNIRS reduction daemon. It serves the control API,
// watches the raw directory for incoming frames, and drives reduction
// runs over the observation tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/daemon"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	once := flag.Bool("once", false, "run one reduction pass and exit instead of serving")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	log.Configure(log.Config{
		Level:   "info",
		Service: "gnirspipe",
		Version: version.Version,
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path precedence: --config, then ${GNIRSPIPE_DATA}/config.yaml
	// if it exists, then built-in defaults plus environment.
	effectiveConfigPath := strings.TrimSpace(*configPath)
	if effectiveConfigPath == "" {
		dataDir := strings.TrimSpace(config.ParseString("GNIRSPIPE_DATA", ""))
		if dataDir != "" {
			autoPath := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(autoPath); err == nil {
				effectiveConfigPath = autoPath
			}
		}
	}

	loader := config.NewLoader(effectiveConfigPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: cfg.Version,
	})

	if effectiveConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("path", effectiveConfigPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env").
			Msg("loaded configuration from environment")
	}

	if cfg.APIToken == "" {
		logger.Warn().
			Str("event", "config.no_api_token").
			Msg("API token not set; the reduce endpoint is unauthenticated")
	}

	app, err := daemon.NewApp(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.init_failed").Msg("failed to initialize daemon")
	}

	if *once {
		run, err := app.Pipeline().Reduce(ctx, "cli")
		if err != nil {
			logger.Error().Err(err).Str("event", "run.failed").Msg("reduction run failed")
			os.Exit(1)
		}
		logger.Info().
			Str("event", "run.finished").
			Str("runId", run.ID).
			Str("state", string(run.State)).
			Int("dirs", run.DirsTotal).
			Msg("reduction run finished")
		if run.State != "succeeded" {
			os.Exit(1)
		}
		return
	}

	// Hot reload: watch the config file and accept SIGHUP. Only the log
	// level is applied live; structural changes take effect on restart.
	holder := config.NewHolder(cfg, loader, effectiveConfigPath)
	if err := holder.Watch(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "config.watcher_failed").Msg("config file watcher disabled")
	}
	reloadCh := make(chan config.AppConfig, 1)
	holder.Subscribe(reloadCh)
	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info().Str("event", "config.reload_signal").Msg("received SIGHUP, reloading config")
				if err := holder.Reload(ctx); err != nil {
					logger.Warn().Err(err).Msg("config reload failed")
				}
			case newCfg := <-reloadCh:
				log.Configure(log.Config{
					Level:   newCfg.LogLevel,
					Service: newCfg.LogService,
					Version: newCfg.Version,
				})
				logger.Info().
					Str("event", "config.reload_applied").
					Str("log_level", newCfg.LogLevel).
					Msg("log level applied; other changes take effect on restart")
			}
		}
	}()

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
	}

	logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped")
}
