// SPDX-License-Identifier: MIT

// Package config implements layered configuration for the pipeline daemon.
// Precedence: environment (GNIRSPIPE_*) > YAML file > defaults.
package config

import "time"

// RuntimeFilenames names the per-directory artifacts and prefixes used by the
// reduction steps. The defaults match the conventions of the legacy toolchain
// so partially reduced directories remain usable.
type RuntimeFilenames struct {
	CleanPrefix       string `yaml:"cleanPrefix"`
	PreparedPrefix    string `yaml:"preparedPrefix"`
	ReducedPrefix     string `yaml:"reducedPrefix"`
	QHFlat            string `yaml:"qhflat"`
	QHFlatBPM         string `yaml:"qhflatBPM"`
	IRFlat            string `yaml:"irflat"`
	IRFlatBPM         string `yaml:"irflatBPM"`
	MasterFlat        string `yaml:"masterflat"`
	CombinedArc       string `yaml:"combinedarc"`
	CalibratedArc     string `yaml:"calibratedArc"`
	DatabaseDir       string `yaml:"databaseDir"`
	WaveCalPrefix     string `yaml:"waveCalPrefix"`
	FitcoordsPrefix   string `yaml:"fitcoordsPrefix"`
	TransformPrefix   string `yaml:"transformPrefix"`
	SDistSuffix       string `yaml:"sdistSuffix"`
	CombinedSrc       string `yaml:"combinedsrc"`
	CombinedSky       string `yaml:"combinedsky"`
	ExtractPrefix     string `yaml:"extractPrefix"`
	FullSlitPrefix    string `yaml:"fullSlitPrefix"`
	StepwisePrefix    string `yaml:"stepwisePrefix"`
	TelluricPrefix    string `yaml:"telluricPrefix"`
	DividedContPrefix string `yaml:"dividedContPrefix"`
	HLinePrefix       string `yaml:"hLinePrefix"`
	FluxCalibPrefix   string `yaml:"fluxCalibPrefix"`
	FinalPrefix       string `yaml:"finalPrefix"`
	BlackbodyUnscaled string `yaml:"blackbodyUnscaled"`
	BlackbodyScaled   string `yaml:"blackbodyScaled"`
}

// Toolchain configures how external reduction tasks are launched.
type Toolchain struct {
	// LauncherPath is the executable that runs a single toolchain task:
	// launcher <task> key=value...
	LauncherPath string        `yaml:"launcherPath"`
	TaskTimeout  time.Duration `yaml:"taskTimeout"`
	KillGrace    time.Duration `yaml:"killGrace"`
	// StartRate throttles task launches (tasks per second; 0 = unlimited).
	StartRate float64 `yaml:"startRate"`
}

// FluxCalibration configures the blackbody flux calibration of the
// telluric-corrected science spectra.
type FluxCalibration struct {
	Enabled bool `yaml:"enabled"`
	// Temperature of the standard star in Kelvin.
	Temperature float64 `yaml:"temperature"`
	// Magnitudes of the standard star by spectral order; orders without
	// an entry get a relative calibration.
	Magnitudes map[int]float64 `yaml:"magnitudes"`
	// ZeroMagnitudeFluxes by spectral order in erg/cm^2/s/A.
	ZeroMagnitudeFluxes map[int]float64 `yaml:"zeroMagnitudeFluxes"`
}

// Telemetry configures OTLP trace export.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Exporter     string  `yaml:"exporter"` // "grpc" or "http"
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

// AppConfig is the full daemon configuration.
type AppConfig struct {
	Version string `yaml:"-"`

	// Directory layout
	DataDir string `yaml:"dataDir"` // root of the sorted observation tree
	RawDir  string `yaml:"rawDir"`  // incoming raw frames

	// Observation directories (relative to DataDir) with enable toggles,
	// mirroring the legacy per-directory truth values.
	ScienceDirs     map[string]bool `yaml:"scienceDirs"`
	TelluricDirs    map[string]bool `yaml:"telluricDirs"`
	CalibrationDirs map[string]bool `yaml:"calibrationDirs"`

	// Reduction behaviour
	Overwrite bool `yaml:"overwrite"`
	StartStep int  `yaml:"startStep"` // first calibration step (1..5)
	StopStep  int  `yaml:"stopStep"`  // last calibration step (1..5)

	CleanQHFlats  bool `yaml:"cleanQHFlats"`
	CleanIRFlats  bool `yaml:"cleanIRFlats"`
	CleanArcs     bool `yaml:"cleanArcs"`
	CleanPinholes bool `yaml:"cleanPinholes"`

	ExtractFullSlit bool    `yaml:"extractFullSlit"`
	ExtractStepwise bool    `yaml:"extractStepwise"`
	ExtractStepSize float64 `yaml:"extractStepSize"`
	UseApall        bool    `yaml:"useApall"`
	ApertureRadius  float64 `yaml:"apertureRadius"`
	CheckPeaksMatch bool    `yaml:"checkPeaksMatch"`
	ToleranceOffset float64 `yaml:"toleranceOffset"`
	CalculateSNR    bool    `yaml:"calculateSNR"`
	CombineSky      bool    `yaml:"combineSky"`

	FluxCalibration FluxCalibration `yaml:"fluxCalibration"`

	// Parallelism across science directories.
	MaxParallelDirs int `yaml:"maxParallelDirs"`

	Filenames RuntimeFilenames `yaml:"filenames"`
	Toolchain Toolchain        `yaml:"toolchain"`

	// Daemon surfaces
	APIListenAddr  string `yaml:"apiListenAddr"`
	APIToken       string `yaml:"apiToken"`
	RateLimitRPS   int    `yaml:"rateLimitRPS"`
	RateLimitBurst int    `yaml:"rateLimitBurst"`
	MetricsEnabled bool   `yaml:"metricsEnabled"`
	MetricsAddr    string `yaml:"metricsAddr"`
	WatchRaw       bool   `yaml:"watchRaw"`

	// State
	StatePath       string `yaml:"statePath"`       // SQLite run store
	HeaderCachePath string `yaml:"headerCachePath"` // Badger header cache

	// Eventing
	RedisAddr    string `yaml:"redisAddr"`
	RedisChannel string `yaml:"redisChannel"`

	// Observability
	LogLevel   string    `yaml:"logLevel"`
	LogService string    `yaml:"logService"`
	Telemetry  Telemetry `yaml:"telemetry"`
}

// ServerConfig holds HTTP server tunables shared by the API and metrics
// listeners.
type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int
}

// DefaultServerConfig returns the server tunables used unless overridden by
// environment variables.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxHeaderBytes:  1 << 20,
	}
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		DataDir:         "/var/lib/gnirspipe",
		RawDir:          "",
		ScienceDirs:     map[string]bool{},
		TelluricDirs:    map[string]bool{},
		CalibrationDirs: map[string]bool{},
		Overwrite:       false,
		StartStep:       1,
		StopStep:        5,
		ExtractStepSize: 0.1,
		UseApall:        true,
		ApertureRadius:  3,
		CheckPeaksMatch: true,
		ToleranceOffset: 5,
		CalculateSNR:    true,
		CombineSky:      true,
		MaxParallelDirs: 1,
		FluxCalibration: FluxCalibration{
			Enabled:     true,
			Temperature: 9650,
			ZeroMagnitudeFluxes: map[int]float64{
				3: 4.283e-10,
				4: 1.133e-9,
				5: 3.129e-9,
				6: 5.659e-9,
				7: 7.787e-9,
				8: 1.123e-8,
			},
		},
		Filenames: RuntimeFilenames{
			CleanPrefix:       "c",
			PreparedPrefix:    "n",
			ReducedPrefix:     "r",
			QHFlat:            "QHflat.fits",
			QHFlatBPM:         "QHflat_bpm.pl",
			IRFlat:            "IRflat.fits",
			IRFlatBPM:         "IRflat_bpm.pl",
			MasterFlat:        "masterflat.fits",
			CombinedArc:       "arc_comb.fits",
			CalibratedArc:     "arc_calibrated.fits",
			DatabaseDir:       "database",
			WaveCalPrefix:     "w",
			FitcoordsPrefix:   "f",
			TransformPrefix:   "t",
			SDistSuffix:       "_sdist",
			CombinedSrc:       "src_comb.fits",
			CombinedSky:       "sky_comb.fits",
			ExtractPrefix:     "v",
			FullSlitPrefix:    "a",
			StepwisePrefix:    "s",
			TelluricPrefix:    "u",
			DividedContPrefix: "d",
			HLinePrefix:       "h",
			FluxCalibPrefix:   "flam",
			FinalPrefix:       "z",
			BlackbodyUnscaled: "bbody",
			BlackbodyScaled:   "bbodyscaled",
		},
		Toolchain: Toolchain{
			LauncherPath: "gnirs-task",
			TaskTimeout:  30 * time.Minute,
			KillGrace:    10 * time.Second,
		},
		APIListenAddr:  ":8080",
		RateLimitRPS:   10,
		RateLimitBurst: 20,
		MetricsEnabled: true,
		MetricsAddr:    ":9090",
		WatchRaw:       false,
		StatePath:      "gnirspipe.db",
		HeaderCachePath: "headercache",
		RedisChannel:    "gnirspipe.events",
		LogLevel:        "info",
		LogService:      "gnirspipe",
		Telemetry: Telemetry{
			Exporter:     "grpc",
			SamplingRate: 1.0,
			Environment:  "production",
		},
	}
}
