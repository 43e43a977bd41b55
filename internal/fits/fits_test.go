// SPDX-License-Identifier: MIT

package fits

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gemini-dr/gnirspipe/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, cards []testutil.Card, data []float32) string {
	t.Helper()
	return testutil.WriteFITS(t, t.TempDir(), "frame.fits", cards, data)
}

func TestReadHeaderTypedValues(t *testing.T) {
	path := writeFixture(t, []testutil.Card{
		{Keyword: "OBSTYPE", Value: "FLAT"},
		{Keyword: "GCALLAMP", Value: "IRhigh"},
		{Keyword: "EXPTIME", Value: 15.0},
		{Keyword: "NSCIEXT", Value: 6},
		{Keyword: "PROBE", Value: true},
		{Keyword: "OBJECT", Value: "HD 165459"},
	}, nil)

	h, err := ReadHeader(path)
	require.NoError(t, err)

	obstype, err := h.Str("OBSTYPE")
	require.NoError(t, err)
	assert.Equal(t, "FLAT", obstype)

	lamp, err := h.Str("GCALLAMP")
	require.NoError(t, err)
	assert.Equal(t, "IRhigh", lamp)

	exptime, err := h.Float("EXPTIME")
	require.NoError(t, err)
	assert.InDelta(t, 15.0, exptime, 1e-9)

	next, err := h.Int("NSCIEXT")
	require.NoError(t, err)
	assert.Equal(t, 6, next)

	probe, err := h.Bool("PROBE")
	require.NoError(t, err)
	assert.True(t, probe)

	object, err := h.Str("OBJECT")
	require.NoError(t, err)
	assert.Equal(t, "HD 165459", object)
}

func TestReadHeaderMissingKeyword(t *testing.T) {
	path := writeFixture(t, nil, nil)

	h, err := ReadHeader(path)
	require.NoError(t, err)

	_, err = h.Str("OBSTYPE")
	assert.ErrorIs(t, err, ErrKeywordMissing)
}

func TestReadHeaderTruncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.fits")
	// A single card is far short of a full 2880-byte block.
	require.NoError(t, os.WriteFile(path, []byte("SIMPLE  =                    T"), 0o644))

	_, err := ReadHeader(path)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestStringQuoteUnescaping(t *testing.T) {
	path := writeFixture(t, []testutil.Card{
		{Keyword: "OBJECT", Value: "O'Brien's Star"},
	}, nil)

	h, err := ReadHeader(path)
	require.NoError(t, err)

	object, err := h.Str("OBJECT")
	require.NoError(t, err)
	assert.Equal(t, "O'Brien's Star", object)
}

func TestObsStartAndAveTime(t *testing.T) {
	path := writeFixture(t, []testutil.Card{
		{Keyword: "DATE-OBS", Value: "2019-05-05"},
		{Keyword: "TIME-OBS", Value: "08:30:00"},
		{Keyword: "EXPTIME", Value: 300.0},
	}, nil)

	h, err := ReadHeader(path)
	require.NoError(t, err)

	start, err := h.ObsStart()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2019, 5, 5, 8, 30, 0, 0, time.UTC), start)

	ave, err := h.AveTime()
	require.NoError(t, err)
	assert.Equal(t, start.Add(150*time.Second), ave)
}

func TestInstrumentConfigAndCoords(t *testing.T) {
	path := writeFixture(t, []testutil.Card{
		{Keyword: "CAMERA", Value: "ShortBlue_G5540"},
		{Keyword: "SLIT", Value: "0.675arcsec_G5530"},
		{Keyword: "GRATING", Value: "32/mm_G5533"},
		{Keyword: "PRISM", Value: "SXD_G5536"},
		{Keyword: "RA", Value: 290.625},
		{Keyword: "DEC", Value: -10.5},
	}, nil)

	h, err := ReadHeader(path)
	require.NoError(t, err)

	assert.Equal(t, "ShortBlue_G5540-0.675arcsec_G5530-32/mm_G5533-SXD_G5536", h.InstrumentConfig())
	assert.Equal(t, "290.625-10.500", h.Coords())
}

func TestReadSpectrum1D(t *testing.T) {
	flux := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	path := writeFixture(t, []testutil.Card{
		{Keyword: "CRPIX1", Value: 1.0},
		{Keyword: "CRVAL1", Value: 21000.0},
		{Keyword: "CDELT1", Value: 250.0},
	}, flux)

	s, err := ReadSpectrum1D(path)
	require.NoError(t, err)
	require.Len(t, s.Flux, len(flux))

	assert.InDelta(t, 21000.0, s.Wavelength(0), 1e-9)
	assert.InDelta(t, 21250.0, s.Wavelength(1), 1e-9)

	window := s.Window(21000, 21500)
	assert.Equal(t, []float64{1, 2, 3}, window)
}

func TestReadSpectrum1DRejectsImages(t *testing.T) {
	// NAXIS=0 headers have no 1D payload to read.
	path := writeFixture(t, nil, nil)

	_, err := ReadSpectrum1D(path)
	assert.Error(t, err)
}
