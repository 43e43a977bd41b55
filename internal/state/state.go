// SPDX-License-Identifier: MIT

// Package state persists reduction runs and their per-directory steps in
// SQLite, so the daemon can report progress and refuse overlapping runs.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gemini-dr/gnirspipe/internal/persistence/sqlite"
)

const schemaVersion = 1

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("state: run not found")

// RunState is the lifecycle state of a reduction run.
type RunState string

const (
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
	StateCanceled  RunState = "canceled"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Run is one reduction run over the data tree.
type Run struct {
	ID         string     `json:"id"`
	State      RunState   `json:"state"`
	Trigger    string     `json:"trigger"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	DirsTotal  int        `json:"dirs_total"`
	DirsDone   int        `json:"dirs_done"`
}

// Step is one pipeline stage executed for one observation directory.
type Step struct {
	RunID      string     `json:"run_id"`
	ObsDir     string     `json:"obs_dir"`
	Name       string     `json:"name"`
	State      RunState   `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Store is the SQLite-backed run store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the run store at path and applies pending
// migrations.
func NewStore(path string) (*Store, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		trigger TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		error TEXT NOT NULL DEFAULT '',
		dirs_total INTEGER NOT NULL DEFAULT 0,
		dirs_done INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS run_steps (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		obs_dir TEXT NOT NULL,
		step TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, obs_dir, step)
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateRun inserts a new running run and returns it.
func (s *Store) CreateRun(ctx context.Context, trigger string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		State:     StateRunning,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, state, trigger, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.State), run.Trigger, run.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("state: create run: %w", err)
	}
	return run, nil
}

// FinishRun marks a run terminal.
func (s *Store) FinishRun(ctx context.Context, id string, final RunState, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, finished_at = ?, error = ? WHERE id = ?`,
		string(final), time.Now().UTC().Format(time.RFC3339Nano), errMsg, id)
	if err != nil {
		return fmt.Errorf("state: finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProgress updates the directory counters of a run.
func (s *Store) SetProgress(ctx context.Context, id string, done, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET dirs_done = ?, dirs_total = ? WHERE id = ?`, done, total, id)
	if err != nil {
		return fmt.Errorf("state: set progress: %w", err)
	}
	return nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, trigger, started_at, finished_at, error, dirs_total, dirs_done
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ActiveRun returns the currently running run, or nil when idle.
func (s *Store) ActiveRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, trigger, started_at, finished_at, error, dirs_total, dirs_done
		 FROM runs WHERE state = ? ORDER BY rowid DESC LIMIT 1`, string(StateRunning))
	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, trigger, started_at, finished_at, error, dirs_total, dirs_done
		 FROM runs ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("state: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StartStep records that a stage began for one observation directory.
func (s *Store) StartStep(ctx context.Context, runID, obsDir, step string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, obs_dir, step, state, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, obs_dir, step) DO UPDATE SET
			state = excluded.state,
			started_at = excluded.started_at,
			finished_at = NULL,
			error = ''`,
		runID, obsDir, step, string(StateRunning), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("state: start step: %w", err)
	}
	return nil
}

// FinishStep records the outcome of a stage.
func (s *Store) FinishStep(ctx context.Context, runID, obsDir, step string, final RunState, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_steps SET state = ?, finished_at = ?, error = ?
		 WHERE run_id = ? AND obs_dir = ? AND step = ?`,
		string(final), time.Now().UTC().Format(time.RFC3339Nano), errMsg, runID, obsDir, step)
	if err != nil {
		return fmt.Errorf("state: finish step: %w", err)
	}
	return nil
}

// Steps returns all step records of a run ordered by start time.
func (s *Store) Steps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, obs_dir, step, state, started_at, finished_at, error
		 FROM run_steps WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("state: steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var (
			st         Step
			stateStr   string
			startedStr string
			finished   sql.NullString
		)
		if err := rows.Scan(&st.RunID, &st.ObsDir, &st.Name, &stateStr, &startedStr, &finished, &st.Error); err != nil {
			return nil, fmt.Errorf("state: scan step: %w", err)
		}
		st.State = RunState(stateStr)
		st.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
		if finished.Valid {
			t, _ := time.Parse(time.RFC3339Nano, finished.String)
			st.FinishedAt = &t
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// Close closes the underlying database.
// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		stateStr   string
		startedStr string
		finished   sql.NullString
	)
	err := row.Scan(&run.ID, &stateStr, &run.Trigger, &startedStr, &finished, &run.Error,
		&run.DirsTotal, &run.DirsDone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: scan run: %w", err)
	}
	run.State = RunState(stateStr)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if finished.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finished.String)
		run.FinishedAt = &t
	}
	return &run, nil
}
