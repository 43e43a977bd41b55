// SPDX-License-Identifier: MIT

// Package api serves the daemon's HTTP control surface: health probes,
// run inspection, and the reduce trigger.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/health"
	"github.com/gemini-dr/gnirspipe/internal/jobs"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/state"
)

// RunStarter triggers a reduction run in the background.
type RunStarter interface {
	Start(ctx context.Context, trigger string) (*state.Run, error)
}

// RunStore is the read side of the run bookkeeping.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*state.Run, error)
	ActiveRun(ctx context.Context) (*state.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*state.Run, error)
	Steps(ctx context.Context, runID string) ([]*state.Step, error)
}

// Server is the daemon's HTTP API.
type Server struct {
	cfg      config.AppConfig
	version  string
	pipeline RunStarter
	store    RunStore
	healthMg *health.Manager
	router   chi.Router
}

// NewServer builds the API server with the full middleware stack.
func NewServer(cfg config.AppConfig, version string, pipeline RunStarter, store RunStore, healthMgr *health.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		version:  version,
		pipeline: pipeline,
		store:    store,
		healthMg: healthMgr,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(Metrics)
	if s.cfg.Telemetry.Enabled {
		r.Use(Tracing("gnirspipe/api"))
	}
	r.Use(Logging)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(RateLimit(s.cfg.RateLimitRPS*60, time.Minute))
	}

	r.Get("/healthz", s.healthMg.ServeHealth)
	r.Get("/readyz", s.healthMg.ServeReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/reduce", s.handleReduce)
		})
	})

	return r
}

// requireToken enforces bearer authentication on mutating endpoints.
// An unset token disables auth, which is only sensible on a private
// network and is logged at startup.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Version   string     `json:"version"`
	DataDir   string     `json:"dataDir"`
	ActiveRun *state.Run `json:"activeRun,omitempty"`
	LastRun   *state.Run `json:"lastRun,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := statusResponse{
		Version: s.version,
		DataDir: s.cfg.DataDir,
	}

	active, err := s.store.ActiveRun(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_error", err.Error())
		return
	}
	resp.ActiveRun = active

	runs, err := s.store.ListRuns(ctx, 1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_error", err.Error())
		return
	}
	if len(runs) > 0 {
		resp.LastRun = runs[0]
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_error", err.Error())
		return
	}
	if runs == nil {
		runs = []*state.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type runDetail struct {
	*state.Run
	Steps []*state.Step `json:"steps"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such run")
			return
		}
		writeError(w, http.StatusInternalServerError, "state_error", err.Error())
		return
	}

	steps, err := s.store.Steps(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_error", err.Error())
		return
	}
	if steps == nil {
		steps = []*state.Step{}
	}

	writeJSON(w, http.StatusOK, runDetail{Run: run, Steps: steps})
}

func (s *Server) handleReduce(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "api")

	run, err := s.pipeline.Start(r.Context(), "api")
	if err != nil {
		if errors.Is(err, jobs.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "run_in_progress", err.Error())
			return
		}
		logger.Error().Err(err).Str("event", "api.reduce_failed").Msg("failed to start reduction run")
		writeError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}

	logger.Info().Str("event", "api.reduce_started").Str("runId", run.ID).Msg("reduction run started")
	writeJSON(w, http.StatusAccepted, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
