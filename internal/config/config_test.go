// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("", "v-test").Load()
	require.NoError(t, err)

	assert.Equal(t, "v-test", cfg.Version)
	assert.Equal(t, 1, cfg.StartStep)
	assert.Equal(t, 5, cfg.StopStep)
	assert.Equal(t, "masterflat.fits", cfg.Filenames.MasterFlat)
	assert.Equal(t, "database", cfg.Filenames.DatabaseDir)
	assert.False(t, cfg.Overwrite)
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gnirspipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /data/obs
overwrite: true
startStep: 2
stopStep: 4
scienceDirs:
  HD165459/20190505/SXD/Sci_001: true
toolchain:
  launcherPath: /opt/gemini/bin/gnirs-task
  taskTimeout: 45m
`), 0o644))

	cfg, err := NewLoader(path, "v-test").Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/obs", cfg.DataDir)
	assert.True(t, cfg.Overwrite)
	assert.Equal(t, 2, cfg.StartStep)
	assert.Equal(t, 4, cfg.StopStep)
	assert.True(t, cfg.ScienceDirs["HD165459/20190505/SXD/Sci_001"])
	assert.Equal(t, "/opt/gemini/bin/gnirs-task", cfg.Toolchain.LauncherPath)
	assert.Equal(t, 45*time.Minute, cfg.Toolchain.TaskTimeout)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, "masterflat.fits", cfg.Filenames.MasterFlat)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gnirspipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataDir: /from/file\n"), 0o644))

	t.Setenv("GNIRSPIPE_DATA", "/from/env")
	t.Setenv("GNIRSPIPE_OVERWRITE", "true")

	cfg, err := NewLoader(path, "v-test").Load()
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.DataDir)
	assert.True(t, cfg.Overwrite)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gnirspipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("noSuchOption: true\n"), 0o644))

	_, err := NewLoader(path, "v-test").Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{"valid", func(c *AppConfig) {}, ""},
		{"start after stop", func(c *AppConfig) { c.StartStep = 4; c.StopStep = 2 }, "startStep 4 exceeds stopStep 2"},
		{"step out of range", func(c *AppConfig) { c.StopStep = 9 }, "out of range"},
		{"empty launcher", func(c *AppConfig) { c.Toolchain.LauncherPath = "" }, "launcherPath"},
		{"stepwise without size", func(c *AppConfig) { c.ExtractStepwise = true; c.ExtractStepSize = 0 }, "extractStepSize"},
		{"bad exporter", func(c *AppConfig) { c.Telemetry.Enabled = true; c.Telemetry.Exporter = "udp" }, "telemetry.exporter"},
		{"parallel dirs", func(c *AppConfig) { c.MaxParallelDirs = 0 }, "maxParallelDirs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestHolderReloadKeepsOldConfigOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gnirspipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataDir: /data/one\n"), 0o644))

	loader := NewLoader(path, "v-test")
	cfg, err := loader.Load()
	require.NoError(t, err)

	holder := NewHolder(cfg, loader, path)
	assert.Equal(t, "/data/one", holder.Current().DataDir)

	// Break the file: validation must fail and the old snapshot must survive.
	require.NoError(t, os.WriteFile(path, []byte("startStep: 9\n"), 0o644))
	err = holder.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, "/data/one", holder.Current().DataDir)

	// Fix the file: reload succeeds and listeners are notified.
	updates := make(chan AppConfig, 1)
	holder.Subscribe(updates)
	require.NoError(t, os.WriteFile(path, []byte("dataDir: /data/two\n"), 0o644))
	require.NoError(t, holder.Reload(context.Background()))
	assert.Equal(t, "/data/two", holder.Current().DataDir)

	select {
	case got := <-updates:
		assert.Equal(t, "/data/two", got.DataDir)
	case <-time.After(time.Second):
		t.Fatal("expected reload notification")
	}
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("GNIRSPIPE_TEST_STR", "  value  ")
	t.Setenv("GNIRSPIPE_TEST_BOOL", "true")
	t.Setenv("GNIRSPIPE_TEST_INT", "42")
	t.Setenv("GNIRSPIPE_TEST_BAD_INT", "nope")
	t.Setenv("GNIRSPIPE_TEST_DUR", "90s")

	assert.Equal(t, "value", ParseString("GNIRSPIPE_TEST_STR", "d"))
	assert.Equal(t, "d", ParseString("GNIRSPIPE_TEST_UNSET", "d"))
	assert.True(t, ParseBool("GNIRSPIPE_TEST_BOOL", false))
	assert.Equal(t, 42, ParseInt("GNIRSPIPE_TEST_INT", 0))
	assert.Equal(t, 7, ParseInt("GNIRSPIPE_TEST_BAD_INT", 7))
	assert.Equal(t, 90*time.Second, ParseDuration("GNIRSPIPE_TEST_DUR", 0))
}
