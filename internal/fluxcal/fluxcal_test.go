// SPDX-License-Identifier: MIT

package fluxcal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/fits"
	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/testutil"
)

func TestPlanckPeaksNearWienWavelength(t *testing.T) {
	// Wien displacement for 9700 K puts the peak near 2990 A.
	peak := planck(2990, 9700)
	assert.Greater(t, peak, planck(1500, 9700))
	assert.Greater(t, peak, planck(9000, 9700))
	assert.Greater(t, planck(25000, 9700), 0.0)
}

func constantSpectrum(v float64, start, delt float64, n int) *fits.Spectrum1D {
	s := &fits.Spectrum1D{Flux: make([]float64, n), CRPix: 1, CRVal: start, CDelt: delt}
	for i := range s.Flux {
		s.Flux[i] = v
	}
	return s
}

func TestOverlapScale(t *testing.T) {
	prev := constantSpectrum(4, 100, 1, 100)  // 100..200
	cur := constantSpectrum(2, 50, 1, 100)    // 50..150, overlaps 100..150
	scale, err := overlapScale(cur, prev, 6, 5)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, scale, 1e-12)
}

func TestOverlapScaleDisjointOrders(t *testing.T) {
	prev := constantSpectrum(4, 200, 1, 100) // 200..300
	cur := constantSpectrum(2, 50, 1, 100)   // 50..150
	_, err := overlapScale(cur, prev, 6, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not overlap")
}

// writeOrder writes a constant-flux 1-D order spectrum fixture.
func writeOrder(t *testing.T, dir, name string, start, delt float64, n int, flux float32) {
	t.Helper()
	data := make([]float32, n)
	for i := range data {
		data[i] = flux
	}
	testutil.WriteFITS(t, dir, name, []testutil.Card{
		{Keyword: "CRPIX1", Value: 1.0},
		{Keyword: "CRVAL1", Value: start},
		{Keyword: "CDELT1", Value: delt},
		{Keyword: "CD1_1", Value: delt},
		{Keyword: "EXPTIME", Value: 60.0},
	}, data)
}

func fixture(t *testing.T) (sciDir, telDir string, files config.RuntimeFilenames) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "HD_179821", "2016-05-24", "LB_SXD_110")
	sciDir = filepath.Join(root, "Sci_13")
	telDir = filepath.Join(root, "Tel_14")
	files = config.Defaults().Filenames

	sciInter := filepath.Join(sciDir, frames.IntermediateDir)
	telInter := filepath.Join(telDir, frames.IntermediateDir)
	require.NoError(t, os.MkdirAll(sciInter, 0o755))
	require.NoError(t, os.MkdirAll(telInter, 0o755))

	// Orders 3-5 with the typical descending wavelength coverage.
	grids := map[int]float64{3: 19000, 4: 14200, 5: 11400}
	root3 := strings.TrimSuffix(files.CombinedSrc, ".fits")
	for order, start := range grids {
		name := files.DividedContPrefix + files.TelluricPrefix + files.ExtractPrefix + root3 +
			"_order" + string(rune('0'+order)) + ".fits"
		writeOrder(t, sciInter, name, start, 3.0, 200, 1.0)
		stdName := files.DividedContPrefix + files.HLinePrefix + files.ExtractPrefix + root3 +
			"_order" + string(rune('0'+order)) + ".fits"
		writeOrder(t, telInter, stdName, start, 3.0, 200, 500.0)
	}
	return sciDir, telDir, files
}

func TestRunRelativeCalibration(t *testing.T) {
	sciDir, telDir, files := fixture(t)

	c := &Calibrator{
		Files:    files,
		Standard: Standard{Temperature: 9700},
	}
	rep, err := c.Run(context.Background(), sciDir, telDir)
	require.NoError(t, err)

	assert.False(t, rep.Absolute)
	assert.Len(t, rep.Calibrated, 3)
	assert.Len(t, rep.Warnings, 3)

	sciInter := filepath.Join(sciDir, frames.IntermediateDir)
	out := filepath.Join(sciInter, "flamduvsrc_comb_order3.fits")
	h, err := fits.ReadHeader(out)
	require.NoError(t, err)
	units, err := h.Str("FUNITS")
	require.NoError(t, err)
	assert.Equal(t, "Flambda, relative", units)

	// Relative calibration scales the blackbody mean to the exposure time
	// ratio, here 60/60.
	bb, err := fits.ReadSpectrum1D(filepath.Join(sciInter, files.BlackbodyScaled+"3.fits"))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, mean(bb.Flux), 1e-6)
}

func TestRunAbsoluteCalibration(t *testing.T) {
	sciDir, telDir, files := fixture(t)

	c := &Calibrator{
		Files: files,
		Standard: Standard{
			Temperature: 9700,
			Magnitudes:  map[int]float64{3: 5.0, 4: 5.1, 5: 5.2},
		},
		ZeroMagFluxes: map[int]float64{3: 4.283e-10, 4: 1.133e-9, 5: 2.26e-9},
	}
	rep, err := c.Run(context.Background(), sciDir, telDir)
	require.NoError(t, err)

	assert.True(t, rep.Absolute)
	assert.Empty(t, rep.Warnings)

	sciInter := filepath.Join(sciDir, frames.IntermediateDir)
	h, err := fits.ReadHeader(filepath.Join(sciInter, "flamduvsrc_comb_order4.fits"))
	require.NoError(t, err)
	units, err := h.Str("FUNITS")
	require.NoError(t, err)
	assert.Equal(t, "erg/cm^2/s/A", units)
}

func TestRunMissingZeroMagnitudeFlux(t *testing.T) {
	sciDir, telDir, files := fixture(t)

	c := &Calibrator{
		Files: files,
		Standard: Standard{
			Temperature: 9700,
			Magnitudes:  map[int]float64{3: 5.0},
		},
	}
	_, err := c.Run(context.Background(), sciDir, telDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero magnitude flux")
}

func TestRunSkipsExistingWithoutOverwrite(t *testing.T) {
	sciDir, telDir, files := fixture(t)
	sciInter := filepath.Join(sciDir, frames.IntermediateDir)
	existing := filepath.Join(sciInter, "flamduvsrc_comb_order3.fits")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0o644))

	c := &Calibrator{Files: files, Standard: Standard{Temperature: 9700}}
	rep, err := c.Run(context.Background(), sciDir, telDir)
	require.NoError(t, err)

	assert.Equal(t, []int{3}, rep.Skipped)
	assert.Len(t, rep.Calibrated, 2)
	body, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "old", string(body))
}
