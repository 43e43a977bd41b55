// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/gemini-dr/gnirspipe/internal/config"
)

// PerformStartupChecks validates the environment before the daemon starts
// serving. It fails fast on misconfiguration instead of surfacing errors
// on the first reduction run.
func PerformStartupChecks(logger zerolog.Logger, cfg config.AppConfig) error {
	logger.Info().Msg("performing startup checks")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}

	if cfg.RawDir != "" {
		if _, err := os.Stat(cfg.RawDir); err != nil {
			return fmt.Errorf("raw directory check failed: %w", err)
		}
		logger.Info().Str("path", cfg.RawDir).Msg("raw directory present")
	}

	if err := checkListenAddr(logger, cfg.APIListenAddr); err != nil {
		return err
	}
	if cfg.MetricsEnabled {
		if err := checkListenAddr(logger, cfg.MetricsAddr); err != nil {
			return err
		}
	}

	if err := checkLauncher(logger, cfg.Toolchain.LauncherPath); err != nil {
		return err
	}

	if cfg.StatePath != "" {
		if err := checkParentWritable(cfg.StatePath); err != nil {
			return fmt.Errorf("state path check failed: %w", err)
		}
	}
	if cfg.HeaderCachePath != "" {
		if err := checkParentWritable(cfg.HeaderCachePath); err != nil {
			return fmt.Errorf("header cache path check failed: %w", err)
		}
	}

	logger.Info().Msg("startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if path == "" {
		return fmt.Errorf("data directory is not configured")
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	testFile := filepath.Join(path, ".gnirspipe-write-test")
	if err := os.WriteFile(testFile, []byte("probe"), 0o644); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("data directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

// checkLauncher verifies the toolchain launcher resolves. A missing
// launcher is not fatal: the API and state surfaces still work, so it
// is logged and the daemon starts anyway.
func checkLauncher(logger zerolog.Logger, launcher string) error {
	if launcher == "" {
		return fmt.Errorf("toolchain launcher is not configured")
	}
	if _, err := exec.LookPath(launcher); err != nil {
		logger.Warn().Str("launcher", launcher).Err(err).
			Msg("toolchain launcher not found; reduction runs will fail until it is installed")
	} else {
		logger.Info().Str("launcher", launcher).Msg("toolchain launcher resolved")
	}
	return nil
}

func checkParentWritable(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	testFile := filepath.Join(dir, ".gnirspipe-write-test")
	if err := os.WriteFile(testFile, []byte("probe"), 0o644); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	return os.Remove(testFile)
}
