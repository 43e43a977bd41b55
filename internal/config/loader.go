// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with precedence ENV > file > defaults.
type Loader struct {
	path    string // optional YAML file
	version string
}

// NewLoader returns a loader for the optional YAML file at path.
func NewLoader(path, version string) *Loader {
	return &Loader{path: path, version: version}
}

// Load builds the effective configuration and validates it.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()
	cfg.Version = l.version

	if l.path != "" {
		if err := applyFile(&cfg, l.path); err != nil {
			return AppConfig{}, err
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyFile overlays the YAML file at path onto cfg. A missing file is only
// an error when the path was explicitly configured, which is always the case
// here; auto-discovery callers stat the file first.
func applyFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func Validate(cfg AppConfig) error {
	var errs []error

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("dataDir must not be empty"))
	}
	if cfg.StartStep < 1 || cfg.StartStep > 5 {
		errs = append(errs, fmt.Errorf("startStep %d out of range [1,5]", cfg.StartStep))
	}
	if cfg.StopStep < 1 || cfg.StopStep > 5 {
		errs = append(errs, fmt.Errorf("stopStep %d out of range [1,5]", cfg.StopStep))
	}
	if cfg.StartStep >= 1 && cfg.StopStep <= 5 && cfg.StartStep > cfg.StopStep {
		errs = append(errs, fmt.Errorf("startStep %d exceeds stopStep %d", cfg.StartStep, cfg.StopStep))
	}
	if cfg.ExtractStepwise && cfg.ExtractStepSize <= 0 {
		errs = append(errs, fmt.Errorf("extractStepSize must be positive when stepwise extraction is enabled (got %g)", cfg.ExtractStepSize))
	}
	if cfg.ApertureRadius <= 0 {
		errs = append(errs, fmt.Errorf("apertureRadius must be positive (got %g)", cfg.ApertureRadius))
	}
	if cfg.FluxCalibration.Enabled && cfg.FluxCalibration.Temperature <= 0 {
		errs = append(errs, fmt.Errorf("fluxCalibration.temperature must be positive when flux calibration is enabled (got %g)", cfg.FluxCalibration.Temperature))
	}
	if cfg.MaxParallelDirs < 1 {
		errs = append(errs, fmt.Errorf("maxParallelDirs must be at least 1 (got %d)", cfg.MaxParallelDirs))
	}
	if cfg.Toolchain.LauncherPath == "" {
		errs = append(errs, errors.New("toolchain.launcherPath must not be empty"))
	}
	if cfg.Toolchain.TaskTimeout <= 0 {
		errs = append(errs, errors.New("toolchain.taskTimeout must be positive"))
	}
	if cfg.APIListenAddr == "" {
		errs = append(errs, errors.New("apiListenAddr must not be empty"))
	}
	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.Exporter {
		case "grpc", "http":
		default:
			errs = append(errs, fmt.Errorf("telemetry.exporter must be grpc or http (got %q)", cfg.Telemetry.Exporter))
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.samplingRate %g out of range [0,1]", cfg.Telemetry.SamplingRate))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
