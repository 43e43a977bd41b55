// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/state"
)

func testPipeline(t *testing.T, dataDir string) *Pipeline {
	t.Helper()
	store, err := state.NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Defaults()
	cfg.DataDir = dataDir
	cfg.RawDir = ""
	return &Pipeline{Cfg: cfg, Store: store}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	obs := filepath.Join(root, "V1331_Cyg", "2016-05-24", "SB_SXD_32")
	for _, d := range []string{"Sci_13", "Tel_14", "Calibrations"} {
		require.NoError(t, os.MkdirAll(filepath.Join(obs, d), 0o755))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))

	sci, tel, cal, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(obs, "Sci_13")}, sci)
	assert.Equal(t, []string{filepath.Join(obs, "Tel_14")}, tel)
	assert.Equal(t, []string{filepath.Join(obs, "Calibrations")}, cal)
}

func TestFilterEnabled(t *testing.T) {
	root := "/data"
	dirs := []string{"/data/a/Sci_1", "/data/b/Sci_2"}

	assert.Equal(t, dirs, filterEnabled(dirs, nil, root))

	got := filterEnabled(dirs, map[string]bool{"a/Sci_1": false}, root)
	assert.Equal(t, []string{"/data/b/Sci_2"}, got)

	got = filterEnabled(dirs, map[string]bool{"/data/b/Sci_2": true}, root)
	assert.Equal(t, dirs, got)
}

func TestReduceEmptyTree(t *testing.T) {
	p := testPipeline(t, t.TempDir())

	run, err := p.Reduce(context.Background(), "cli")
	require.NoError(t, err)
	assert.Equal(t, state.StateSucceeded, run.State)
	require.NotNil(t, run.FinishedAt)
}

func TestReduceRefusesConcurrentRuns(t *testing.T) {
	p := testPipeline(t, t.TempDir())
	ctx := context.Background()

	active, err := p.Store.CreateRun(ctx, "api")
	require.NoError(t, err)

	_, err = p.Reduce(ctx, "api")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Contains(t, err.Error(), active.ID)
}

func TestReduceFailsWhenCheckFails(t *testing.T) {
	root := t.TempDir()
	// A science directory with no lists and no calibrations cannot pass
	// verification.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "V1331_Cyg", "2016-05-24", "SB_SXD_32", "Sci_13"), 0o755))

	p := testPipeline(t, root)
	run, err := p.Reduce(context.Background(), "cli")
	require.NoError(t, err)
	assert.Equal(t, state.StateFailed, run.State)
	assert.NotEmpty(t, run.Error)

	steps, err := p.Store.Steps(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, "check", steps[0].Name)
	assert.Equal(t, state.StateFailed, steps[0].State)
}

func TestStartRunsInBackground(t *testing.T) {
	p := testPipeline(t, t.TempDir())
	ctx := context.Background()

	run, err := p.Start(ctx, "api")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := p.Store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		if got.State.Terminal() {
			assert.Equal(t, state.StateSucceeded, got.State)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s did not finish, state %s", run.ID, got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
