// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks for the daemon.
// It supports Docker HEALTHCHECK and Kubernetes probes with per-component
// status detail.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gemini-dr/gnirspipe/internal/log"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of a single component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Uptime    int64                  `json:"uptime_seconds"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is a named component health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers into liveness and readiness views.
type Manager struct {
	version  string
	started  time.Time
	checkers []Checker
}

// NewManager creates a new health check manager.
func NewManager(version string) *Manager {
	return &Manager{
		version:  version,
		started:  time.Now(),
		checkers: make([]Checker, 0),
	}
}

// RegisterChecker adds a component checker to the manager.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Health performs a liveness check. The process being able to answer is
// enough; component detail is included only in verbose mode.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Uptime:    int64(time.Since(m.started).Seconds()),
		Timestamp: time.Now(),
	}

	if verbose && len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult)
		hasUnhealthy := false
		hasDegraded := false

		for _, checker := range m.checkers {
			result := checker.Check(ctx)
			resp.Checks[checker.Name()] = result

			switch result.Status {
			case StatusUnhealthy:
				hasUnhealthy = true
			case StatusDegraded:
				hasDegraded = true
			}
		}

		if hasUnhealthy {
			resp.Status = StatusUnhealthy
		} else if hasDegraded {
			resp.Status = StatusDegraded
		}
	}

	return resp
}

// Ready performs a readiness check. Any unhealthy component makes the
// daemon not ready.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}

	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult)
	hasUnhealthy := false
	hasDegraded := false

	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		resp.Checks[checker.Name()] = result

		switch result.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
			resp.Ready = false
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		resp.Status = StatusUnhealthy
	} else if hasDegraded {
		resp.Status = StatusDegraded
	}

	return resp
}

// ServeHealth handles HTTP liveness requests. Always 200.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness requests. 503 when not ready.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}

	logger.Debug().
		Str("event", "readiness.checked").
		Str("status", string(resp.Status)).
		Bool("ready", resp.Ready).
		Msg("readiness check performed")
}

// DirChecker reports unhealthy when a directory is missing or not a
// directory. Used for the observation data tree.
type DirChecker struct {
	name string
	path string
}

// NewDirChecker creates a checker for directory existence.
func NewDirChecker(name, path string) *DirChecker {
	return &DirChecker{name: name, path: path}
}

func (c *DirChecker) Name() string {
	return c.name
}

func (c *DirChecker) Check(_ context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "not configured (optional)",
		}
	}

	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusUnhealthy,
				Error:   "directory not found",
				Message: c.path,
			}
		}
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}

	if !info.IsDir() {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  "expected directory, got file",
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Message: "directory exists",
	}
}

// DatabaseChecker pings the run store database.
type DatabaseChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewDatabaseChecker creates a checker backed by a ping function.
func NewDatabaseChecker(name string, ping func(ctx context.Context) error) *DatabaseChecker {
	return &DatabaseChecker{name: name, ping: ping}
}

func (c *DatabaseChecker) Name() string {
	return c.name
}

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if err := c.ping(ctx); err != nil {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "database reachable",
	}
}

// LastRunChecker reports the outcome of the most recent reduction run.
// A daemon that has not reduced anything yet is degraded, not unhealthy:
// it may simply be waiting for data.
type LastRunChecker struct {
	getLastRun func() (time.Time, string)
}

// NewLastRunChecker creates a checker fed by the run store.
func NewLastRunChecker(getLastRun func() (time.Time, string)) *LastRunChecker {
	return &LastRunChecker{getLastRun: getLastRun}
}

func (c *LastRunChecker) Name() string {
	return "last_run"
}

func (c *LastRunChecker) Check(_ context.Context) CheckResult {
	lastRun, lastError := c.getLastRun()

	if lastRun.IsZero() {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "no reduction run recorded yet",
		}
	}

	if lastError != "" {
		return CheckResult{
			Status:  StatusDegraded,
			Error:   lastError,
			Message: "last reduction run failed",
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Message: "last reduction run succeeded",
	}
}
