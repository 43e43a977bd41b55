// SPDX-License-Identifier: MIT

package reduce

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/testutil"
	"github.com/gemini-dr/gnirspipe/internal/toolchain"
)

const recordingLauncher = `#!/bin/sh
echo "$@" >> calls.log
`

func fixture(t *testing.T, withSky bool) (obs, cal, launcher string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("launcher fixture needs a POSIX shell")
	}

	root := filepath.Join(t.TempDir(), "V1331_Cyg", "2016-05-24", "SB_SXD_32")
	obs = filepath.Join(root, "Sci_13")
	cal = filepath.Join(root, "Calibrations")
	require.NoError(t, os.MkdirAll(filepath.Join(obs, frames.IntermediateDir), 0o755))
	require.NoError(t, os.MkdirAll(cal, 0o755))

	cards := []testutil.Card{
		{Keyword: "OBSTYPE", Value: "OBJECT"},
		{Keyword: "OBSCLASS", Value: "science"},
		{Keyword: "ARRAYID", Value: "SN7638228.1"},
		{Keyword: "DATE-OBS", Value: "2016-05-24"},
		{Keyword: "TIME-OBS", Value: "10:15:00"},
		{Keyword: "EXPTIME", Value: 300.0},
	}
	testutil.WriteFITS(t, obs, "N0001.fits", cards, nil)
	testutil.WriteFITS(t, obs, "N0002.fits", cards, nil)
	require.NoError(t, frames.WriteList(obs, frames.ListAll, []string{"N0001.fits", "N0002.fits"}))
	require.NoError(t, frames.WriteList(obs, frames.ListSrc, []string{"N0001.fits"}))
	if withSky {
		require.NoError(t, frames.WriteList(obs, frames.ListSky, []string{"N0002.fits"}))
	} else {
		require.NoError(t, frames.WriteList(obs, frames.ListSky, nil))
	}

	launcher = filepath.Join(t.TempDir(), "gnirs-task")
	require.NoError(t, os.WriteFile(launcher, []byte(recordingLauncher), 0o755))
	return obs, cal, launcher
}

func TestRunReducesAndCombines(t *testing.T) {
	obs, cal, launcher := fixture(t, true)

	r := &Reducer{
		Runner:     toolchain.NewRunner(launcher, 10*time.Second, time.Second, 0),
		Files:      config.Defaults().Filenames,
		CombineSky: true,
	}

	rep, err := r.Run(context.Background(), obs, cal)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(obs, frames.IntermediateDir, r.Files.CombinedSrc), rep.CombinedSrc)
	assert.Equal(t, filepath.Join(obs, frames.IntermediateDir, r.Files.CombinedSky), rep.CombinedSky)
	assert.Empty(t, rep.Warnings)

	calls, err := os.ReadFile(filepath.Join(obs, frames.IntermediateDir, "calls.log"))
	require.NoError(t, err)
	s := string(calls)
	assert.Contains(t, s, "nsprepare")
	assert.Contains(t, s, "bpm=gnirs$data/gnirsn_2011apr07_bpm.fits")
	assert.Contains(t, s, "fl_sky=yes")
	assert.Contains(t, s, "flatimage="+filepath.Join("..", "..", "Calibrations", r.Files.MasterFlat))
	assert.Contains(t, s, "nscombine")
	assert.Contains(t, s, "output="+r.Files.CombinedSrc)
	assert.Contains(t, s, "output="+r.Files.CombinedSky)

	// Lists were mirrored beside the products with relative paths.
	src, err := frames.ReadList(filepath.Join(obs, frames.IntermediateDir), frames.ListSrc)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("..", "N0001.fits")}, src)
}

func TestRunWithoutSkyFrames(t *testing.T) {
	obs, cal, launcher := fixture(t, false)

	r := &Reducer{
		Runner:     toolchain.NewRunner(launcher, 10*time.Second, time.Second, 0),
		Files:      config.Defaults().Filenames,
		CombineSky: true,
	}

	rep, err := r.Run(context.Background(), obs, cal)
	require.NoError(t, err)
	assert.Empty(t, rep.CombinedSky)
	assert.NotEmpty(t, rep.Warnings)
}

func TestRunUnknownArray(t *testing.T) {
	obs, cal, launcher := fixture(t, true)

	// Replace the first source frame with an unknown detector array.
	require.NoError(t, os.Remove(filepath.Join(obs, "N0001.fits")))
	testutil.WriteFITS(t, obs, "N0001.fits", []testutil.Card{
		{Keyword: "OBSTYPE", Value: "OBJECT"},
		{Keyword: "ARRAYID", Value: "SN9999999"},
	}, nil)

	r := &Reducer{
		Runner: toolchain.NewRunner(launcher, 10*time.Second, time.Second, 0),
		Files:  config.Defaults().Filenames,
	}
	_, err := r.Run(context.Background(), obs, cal)
	assert.Error(t, err)
}
