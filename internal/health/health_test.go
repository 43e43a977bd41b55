// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-dr/gnirspipe/internal/config"
)

type mockChecker struct {
	name   string
	status Status
}

func (c *mockChecker) Name() string { return c.name }

func (c *mockChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: c.status}
}

func TestHealthNoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)
}

func TestHealthVerboseAggregatesStatus(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "ok", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "slow", status: StatusDegraded})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusDegraded, resp.Checks["slow"].Status)
}

func TestReadyUnhealthyComponent(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "db", status: StatusUnhealthy})

	resp := m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestServeHealthAlways200(t *testing.T) {
	m := NewManager("v2.0.0")
	m.RegisterChecker(&mockChecker{name: "db", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "v2.0.0", resp.Version)
}

func TestServeReady503WhenNotReady(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "db", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m2 := NewManager("v1.0.0")
	rec2 := httptest.NewRecorder()
	m2.ServeReady(rec2, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestDirChecker(t *testing.T) {
	dir := t.TempDir()

	c := NewDirChecker("data_dir", dir)
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	c = NewDirChecker("data_dir", filepath.Join(dir, "missing"))
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "directory not found", res.Error)

	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	c = NewDirChecker("data_dir", file)
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)

	c = NewDirChecker("data_dir", "")
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
}

func TestDatabaseChecker(t *testing.T) {
	ok := NewDatabaseChecker("state_db", func(context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	bad := NewDatabaseChecker("state_db", func(context.Context) error {
		return errors.New("connection refused")
	})
	res := bad.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Error, "connection refused")
}

func TestLastRunChecker(t *testing.T) {
	c := NewLastRunChecker(func() (time.Time, string) { return time.Time{}, "" })
	res := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "no reduction run")

	c = NewLastRunChecker(func() (time.Time, string) { return time.Now(), "" })
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	c = NewLastRunChecker(func() (time.Time, string) { return time.Now(), "extract failed" })
	res = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "extract failed", res.Error)
}

func TestPerformStartupChecks(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DataDir = dir
	cfg.StatePath = filepath.Join(dir, "state", "runs.db")
	cfg.HeaderCachePath = filepath.Join(dir, "cache")
	cfg.MetricsEnabled = false

	logger := zerolog.Nop()
	require.NoError(t, PerformStartupChecks(logger, cfg))

	cfg.DataDir = filepath.Join(dir, "nope")
	require.Error(t, PerformStartupChecks(logger, cfg))

	cfg.DataDir = dir
	cfg.APIListenAddr = "not-an-addr"
	require.Error(t, PerformStartupChecks(logger, cfg))
}
