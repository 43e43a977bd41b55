// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/health"
	"github.com/gemini-dr/gnirspipe/internal/jobs"
	"github.com/gemini-dr/gnirspipe/internal/state"
)

type fakePipeline struct {
	run *state.Run
	err error
}

func (f *fakePipeline) Start(context.Context, string) (*state.Run, error) {
	return f.run, f.err
}

func newTestServer(t *testing.T, pipeline RunStarter) (*Server, *state.Store) {
	t.Helper()

	store, err := state.NewStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.APIToken = "test-token"

	return NewServer(cfg, "v1.0.0-test", pipeline, store, health.NewManager("v1.0.0-test")), store
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, &fakePipeline{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestStatusEmptyStore(t *testing.T) {
	s, _ := newTestServer(t, &fakePipeline{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "v1.0.0-test", resp.Version)
	assert.Nil(t, resp.ActiveRun)
	assert.Nil(t, resp.LastRun)
}

func TestStatusReportsActiveRun(t *testing.T) {
	s, store := newTestServer(t, &fakePipeline{})

	run, err := store.CreateRun(context.Background(), "test")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.ActiveRun)
	assert.Equal(t, run.ID, resp.ActiveRun.ID)
}

func TestListRuns(t *testing.T) {
	s, store := newTestServer(t, &fakePipeline{})

	r1, err := store.CreateRun(context.Background(), "api")
	require.NoError(t, err)
	require.NoError(t, store.FinishRun(context.Background(), r1.ID, state.StateSucceeded, ""))
	r2, err := store.CreateRun(context.Background(), "watch")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []*state.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, r2.ID, resp.Runs[0].ID)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 1)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunWithSteps(t *testing.T) {
	s, store := newTestServer(t, &fakePipeline{})

	run, err := store.CreateRun(context.Background(), "api")
	require.NoError(t, err)
	require.NoError(t, store.StartStep(context.Background(), run.ID, "Sci_13", "reduce"))
	require.NoError(t, store.FinishStep(context.Background(), run.ID, "Sci_13", "reduce", state.StateSucceeded, ""))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ID    string        `json:"id"`
		Steps []*state.Step `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, run.ID, resp.ID)
	require.Len(t, resp.Steps, 1)
	assert.Equal(t, "reduce", resp.Steps[0].Name)
	assert.Equal(t, state.StateSucceeded, resp.Steps[0].State)
}

func TestGetRunNotFound(t *testing.T) {
	s, _ := newTestServer(t, &fakePipeline{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReduceRequiresToken(t *testing.T) {
	s, _ := newTestServer(t, &fakePipeline{run: &state.Run{ID: "r1", State: state.StateRunning}})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/reduce", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/reduce", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReduceAccepted(t *testing.T) {
	run := &state.Run{ID: "r1", State: state.StateRunning, Trigger: "api"}
	s, _ := newTestServer(t, &fakePipeline{run: run})

	req := httptest.NewRequest(http.MethodPost, "/api/reduce", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var got state.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, state.StateRunning, got.State)
}

func TestReduceConflictWhenRunInProgress(t *testing.T) {
	s, _ := newTestServer(t, &fakePipeline{
		err: fmt.Errorf("%w: run r0", jobs.ErrRunInProgress),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/reduce", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "run_in_progress")
}

func TestReduceStartFailure(t *testing.T) {
	s, _ := newTestServer(t, &fakePipeline{err: errors.New("store down")})

	req := httptest.NewRequest(http.MethodPost, "/api/reduce", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecovererCatchesPanic(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestRateLimitReturns429(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(last, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
	assert.Contains(t, last.Body.String(), "rate_limit_exceeded")
}
