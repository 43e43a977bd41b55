// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "api")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, StateRunning, run.State)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "api", got.Trigger)
	assert.Nil(t, got.FinishedAt)

	_, err = s.GetRun(ctx, "no-such-run")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishRun(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "watch")
	require.NoError(t, err)
	require.NoError(t, s.SetProgress(ctx, run.ID, 2, 3))
	require.NoError(t, s.FinishRun(ctx, run.ID, StateFailed, "calibration failed"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.True(t, got.State.Terminal())
	assert.Equal(t, "calibration failed", got.Error)
	assert.Equal(t, 3, got.DirsTotal)
	assert.Equal(t, 2, got.DirsDone)
	require.NotNil(t, got.FinishedAt)

	assert.ErrorIs(t, s.FinishRun(ctx, "no-such-run", StateSucceeded, ""), ErrNotFound)
}

func TestActiveRun(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	active, err := s.ActiveRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	run, err := s.CreateRun(ctx, "api")
	require.NoError(t, err)

	active, err = s.ActiveRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, run.ID, active.ID)

	require.NoError(t, s.FinishRun(ctx, run.ID, StateSucceeded, ""))
	active, err = s.ActiveRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.CreateRun(ctx, "api")
	require.NoError(t, err)
	second, err := s.CreateRun(ctx, "api")
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSteps(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "api")
	require.NoError(t, err)

	dir := "/data/V1331_Cyg/2016-05-24/SB_SXD_32/Sci_13"
	require.NoError(t, s.StartStep(ctx, run.ID, dir, "calibrate"))
	require.NoError(t, s.FinishStep(ctx, run.ID, dir, "calibrate", StateSucceeded, ""))
	require.NoError(t, s.StartStep(ctx, run.ID, dir, "extract"))
	require.NoError(t, s.FinishStep(ctx, run.ID, dir, "extract", StateFailed, "no combined source"))

	steps, err := s.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "calibrate", steps[0].Name)
	assert.Equal(t, StateSucceeded, steps[0].State)
	require.NotNil(t, steps[0].FinishedAt)
	assert.Equal(t, StateFailed, steps[1].State)
	assert.Equal(t, "no combined source", steps[1].Error)

	// Restarting a step resets its outcome.
	require.NoError(t, s.StartStep(ctx, run.ID, dir, "extract"))
	steps, err = s.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	var extract *Step
	for _, st := range steps {
		if st.Name == "extract" {
			extract = st
		}
	}
	require.NotNil(t, extract)
	assert.Equal(t, StateRunning, extract.State)
	assert.Nil(t, extract.FinishedAt)
	assert.Empty(t, extract.Error)
}