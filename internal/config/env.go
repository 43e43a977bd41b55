// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseString returns the trimmed value of the environment variable or def.
func ParseString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

// ParseBool parses a boolean environment variable; malformed values fall
// back to def.
func ParseBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// ParseInt parses an integer environment variable; malformed values fall
// back to def.
func ParseInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// ParseFloat parses a float environment variable; malformed values fall
// back to def.
func ParseFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// ParseDuration parses a duration environment variable; malformed values
// fall back to def.
func ParseDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}

// applyEnv overlays GNIRSPIPE_* environment variables onto cfg.
func applyEnv(cfg *AppConfig) {
	cfg.DataDir = ParseString("GNIRSPIPE_DATA", cfg.DataDir)
	cfg.RawDir = ParseString("GNIRSPIPE_RAW", cfg.RawDir)

	cfg.Overwrite = ParseBool("GNIRSPIPE_OVERWRITE", cfg.Overwrite)
	cfg.StartStep = ParseInt("GNIRSPIPE_START_STEP", cfg.StartStep)
	cfg.StopStep = ParseInt("GNIRSPIPE_STOP_STEP", cfg.StopStep)
	cfg.MaxParallelDirs = ParseInt("GNIRSPIPE_MAX_PARALLEL_DIRS", cfg.MaxParallelDirs)

	cfg.ExtractFullSlit = ParseBool("GNIRSPIPE_EXTRACT_FULLSLIT", cfg.ExtractFullSlit)
	cfg.ExtractStepwise = ParseBool("GNIRSPIPE_EXTRACT_STEPWISE", cfg.ExtractStepwise)
	cfg.ExtractStepSize = ParseFloat("GNIRSPIPE_EXTRACT_STEPSIZE", cfg.ExtractStepSize)
	cfg.ApertureRadius = ParseFloat("GNIRSPIPE_APERTURE_RADIUS", cfg.ApertureRadius)
	cfg.CheckPeaksMatch = ParseBool("GNIRSPIPE_CHECK_PEAKS", cfg.CheckPeaksMatch)
	cfg.CalculateSNR = ParseBool("GNIRSPIPE_CALCULATE_SNR", cfg.CalculateSNR)
	cfg.CombineSky = ParseBool("GNIRSPIPE_COMBINE_SKY", cfg.CombineSky)

	cfg.FluxCalibration.Enabled = ParseBool("GNIRSPIPE_FLUXCAL_ENABLED", cfg.FluxCalibration.Enabled)
	cfg.FluxCalibration.Temperature = ParseFloat("GNIRSPIPE_FLUXCAL_TEMPERATURE", cfg.FluxCalibration.Temperature)

	cfg.Toolchain.LauncherPath = ParseString("GNIRSPIPE_LAUNCHER", cfg.Toolchain.LauncherPath)
	cfg.Toolchain.TaskTimeout = ParseDuration("GNIRSPIPE_TASK_TIMEOUT", cfg.Toolchain.TaskTimeout)
	cfg.Toolchain.KillGrace = ParseDuration("GNIRSPIPE_KILL_GRACE", cfg.Toolchain.KillGrace)
	cfg.Toolchain.StartRate = ParseFloat("GNIRSPIPE_TASK_START_RATE", cfg.Toolchain.StartRate)

	cfg.APIListenAddr = ParseString("GNIRSPIPE_LISTEN", cfg.APIListenAddr)
	cfg.APIToken = ParseString("GNIRSPIPE_API_TOKEN", cfg.APIToken)
	cfg.RateLimitRPS = ParseInt("GNIRSPIPE_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = ParseInt("GNIRSPIPE_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.MetricsEnabled = ParseBool("GNIRSPIPE_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsAddr = ParseString("GNIRSPIPE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.WatchRaw = ParseBool("GNIRSPIPE_WATCH_RAW", cfg.WatchRaw)

	cfg.StatePath = ParseString("GNIRSPIPE_STATE_PATH", cfg.StatePath)
	cfg.HeaderCachePath = ParseString("GNIRSPIPE_HEADER_CACHE", cfg.HeaderCachePath)

	cfg.RedisAddr = ParseString("GNIRSPIPE_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisChannel = ParseString("GNIRSPIPE_REDIS_CHANNEL", cfg.RedisChannel)

	cfg.LogLevel = ParseString("GNIRSPIPE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("GNIRSPIPE_LOG_SERVICE", cfg.LogService)

	cfg.Telemetry.Enabled = ParseBool("GNIRSPIPE_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = ParseString("GNIRSPIPE_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Exporter = ParseString("GNIRSPIPE_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.SamplingRate = ParseFloat("GNIRSPIPE_OTEL_SAMPLING", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Environment = ParseString("GNIRSPIPE_ENVIRONMENT", cfg.Telemetry.Environment)
}

// ParseServerConfig reads HTTP server tunables from the environment.
func ParseServerConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.ListenAddr = ParseString("GNIRSPIPE_LISTEN", cfg.ListenAddr)
	cfg.ReadTimeout = ParseDuration("GNIRSPIPE_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = ParseDuration("GNIRSPIPE_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = ParseDuration("GNIRSPIPE_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = ParseDuration("GNIRSPIPE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.MaxHeaderBytes = ParseInt("GNIRSPIPE_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)
	return cfg
}
