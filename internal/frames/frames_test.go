// SPDX-License-Identifier: MIT

package frames

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-dr/gnirspipe/internal/headercache"
	"github.com/gemini-dr/gnirspipe/internal/testutil"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  Class
	}{
		{"science", Frame{ObsType: "OBJECT", ObsClass: "science"}, ClassScience},
		{"telluric partnerCal", Frame{ObsType: "OBJECT", ObsClass: "partnerCal"}, ClassTelluric},
		{"telluric progCal", Frame{ObsType: "OBJECT", ObsClass: "progCal"}, ClassTelluric},
		{"arc", Frame{ObsType: "ARC"}, ClassArc},
		{"dark", Frame{ObsType: "DARK"}, ClassDark},
		{"ir flat", Frame{ObsType: "FLAT", GCalLamp: "IRhigh", Slit: "0.675arcsec_G5530"}, ClassIRFlat},
		{"qh flat", Frame{ObsType: "FLAT", GCalLamp: "QH", Slit: "0.675arcsec_G5530"}, ClassQHFlat},
		{"pinhole wins over lamp", Frame{ObsType: "FLAT", GCalLamp: "QH", Slit: "LgPinholes_G5530"}, ClassPinhole},
		{"unknown lamp", Frame{ObsType: "FLAT", GCalLamp: "Ar"}, ClassUnknown},
		{"acq frame", Frame{ObsType: "OBJECT", ObsClass: "acq"}, ClassUnknown},
		{"empty", Frame{}, ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.frame.Classify())
		})
	}
}

func TestOnSource(t *testing.T) {
	assert.True(t, (&Frame{QOffset: 0}).OnSource())
	assert.True(t, (&Frame{QOffset: -1.2}).OnSource())
	assert.False(t, (&Frame{QOffset: 6.0}).OnSource())
	assert.False(t, (&Frame{QOffset: -10.0}).OnSource())
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"HD 179821", "HD_179821"},
		{"V1331 Cyg", "V1331_Cyg"},
		{"béta Pic", "beta_Pic"},
		{"[OIII] knot / east", "OIII_knot_east"},
		{"", "unknown"},
		{"___", "unknown"},
		{"M8.2-SE", "M8.2-SE"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "input %q", tt.in)
	}
}

func TestConfigLabel(t *testing.T) {
	f := &Frame{
		Camera:  "ShortBlue_G5540",
		Prism:   "SXD_G5536",
		Grating: "32/mm_G5533",
	}
	assert.Equal(t, "SB_SXD_32", configLabel(f))

	f.Camera = "LongBlue_G5542"
	f.Grating = "110/mm_G5535"
	assert.Equal(t, "LB_SXD_110", configLabel(f))

	// Unparseable setups fall back to the full config slug.
	odd := &Frame{Camera: "Imager", Config: "Imager-open"}
	assert.Equal(t, "Imager-open", configLabel(odd))
}

func TestObsNumber(t *testing.T) {
	assert.Equal(t, "13", obsNumber("GN-2016A-Q-97-13"))
	assert.Equal(t, "0", obsNumber(""))
}

func rawCards(obstype, obsclass, object, obsid, lamp string, qoffset float64) []testutil.Card {
	return []testutil.Card{
		{Keyword: "OBSTYPE", Value: obstype},
		{Keyword: "OBSCLASS", Value: obsclass},
		{Keyword: "OBJECT", Value: object},
		{Keyword: "OBSID", Value: obsid},
		{Keyword: "GCALLAMP", Value: lamp},
		{Keyword: "SLIT", Value: "0.675arcsec_G5530"},
		{Keyword: "CAMERA", Value: "ShortBlue_G5540"},
		{Keyword: "GRATING", Value: "32/mm_G5533"},
		{Keyword: "PRISM", Value: "SXD_G5536"},
		{Keyword: "ARRAYID", Value: "SN7638228.1"},
		{Keyword: "DATE-OBS", Value: "2016-05-24"},
		{Keyword: "TIME-OBS", Value: "10:15:00"},
		{Keyword: "EXPTIME", Value: 300.0},
		{Keyword: "QOFFSET", Value: qoffset},
		{Keyword: "RA", Value: 290.625},
		{Keyword: "DEC", Value: -10.5},
	}
}

func TestSorterLayout(t *testing.T) {
	raw := t.TempDir()
	data := t.TempDir()

	testutil.WriteFITS(t, raw, "N20160524S0100.fits", rawCards("OBJECT", "science", "V1331 Cyg", "GN-2016A-Q-97-13", "", 0), nil)
	testutil.WriteFITS(t, raw, "N20160524S0101.fits", rawCards("OBJECT", "science", "V1331 Cyg", "GN-2016A-Q-97-13", "", 6.0), nil)
	testutil.WriteFITS(t, raw, "N20160524S0090.fits", rawCards("OBJECT", "partnerCal", "HD 179821", "GN-2016A-Q-97-14", "", 0), nil)
	testutil.WriteFITS(t, raw, "N20160524S0200.fits", rawCards("ARC", "dayCal", "Ar", "GN-2016A-Q-97-15", "", 0), nil)
	testutil.WriteFITS(t, raw, "N20160524S0201.fits", rawCards("FLAT", "dayCal", "GCALflat", "GN-2016A-Q-97-15", "IRhigh", 0), nil)
	testutil.WriteFITS(t, raw, "N20160524S0202.fits", rawCards("FLAT", "dayCal", "GCALflat", "GN-2016A-Q-97-15", "QH", 0), nil)

	pin := rawCards("FLAT", "dayCal", "GCALflat", "GN-2016A-Q-97-15", "QH", 0)
	pin[5].Value = "LgPinholes_G5530"
	testutil.WriteFITS(t, raw, "N20160524S0203.fits", pin, nil)

	// A junk file is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(raw, "notes.fits"), []byte("not a frame"), 0o644))

	s := &Sorter{RawDir: raw, DataDir: data}
	res, err := s.Sort(context.Background())
	require.NoError(t, err)

	sciDir := filepath.Join(data, "V1331_Cyg", "2016-05-24", "SB_SXD_32", "Sci_13")
	telDir := filepath.Join(data, "HD_179821", "2016-05-24", "SB_SXD_32", "Tel_14")
	assert.Equal(t, []string{sciDir}, res.ScienceDirs)
	assert.Equal(t, []string{telDir}, res.TelluricDirs)
	assert.Equal(t, []string{"notes.fits"}, res.Skipped)

	assert.Equal(t, 2, res.Counts[ClassScience])
	assert.Equal(t, 1, res.Counts[ClassTelluric])
	assert.Equal(t, 1, res.Counts[ClassArc])
	assert.Equal(t, 1, res.Counts[ClassIRFlat])
	assert.Equal(t, 1, res.Counts[ClassQHFlat])
	assert.Equal(t, 1, res.Counts[ClassPinhole])

	assert.DirExists(t, filepath.Join(sciDir, IntermediateDir))

	all, err := ReadList(sciDir, ListAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"N20160524S0100.fits", "N20160524S0101.fits"}, all)

	src, err := ReadList(sciDir, ListSrc)
	require.NoError(t, err)
	assert.Equal(t, []string{"N20160524S0100.fits"}, src)

	sky, err := ReadList(sciDir, ListSky)
	require.NoError(t, err)
	assert.Equal(t, []string{"N20160524S0101.fits"}, sky)

	// Calibrations sit beside both the science and telluric trees.
	sciCal := filepath.Join(data, "V1331_Cyg", "2016-05-24", "SB_SXD_32", CalibrationsDir)
	telCal := filepath.Join(data, "HD_179821", "2016-05-24", "SB_SXD_32", CalibrationsDir)
	assert.ElementsMatch(t, []string{sciCal, telCal}, res.CalibrationDirs)

	arcs, err := ReadList(sciCal, ListArcs)
	require.NoError(t, err)
	assert.Equal(t, []string{"N20160524S0200.fits"}, arcs)

	ir, err := ReadList(sciCal, ListIRFlats)
	require.NoError(t, err)
	assert.Equal(t, []string{"N20160524S0201.fits"}, ir)

	qh, err := ReadList(telCal, ListQHFlats)
	require.NoError(t, err)
	assert.Equal(t, []string{"N20160524S0202.fits"}, qh)

	pins, err := ReadList(telCal, ListPinholes)
	require.NoError(t, err)
	assert.Equal(t, []string{"N20160524S0203.fits"}, pins)

	assert.FileExists(t, filepath.Join(sciDir, "N20160524S0100.fits"))
	assert.FileExists(t, filepath.Join(sciCal, "N20160524S0200.fits"))
}

func TestSorterIdempotent(t *testing.T) {
	raw := t.TempDir()
	data := t.TempDir()
	testutil.WriteFITS(t, raw, "N20160524S0100.fits", rawCards("OBJECT", "science", "V1331 Cyg", "GN-2016A-Q-97-13", "", 0), nil)

	s := &Sorter{RawDir: raw, DataDir: data}
	_, err := s.Sort(context.Background())
	require.NoError(t, err)
	res, err := s.Sort(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.ScienceDirs, 1)
}

func TestOrphanCalibrationsFallBack(t *testing.T) {
	raw := t.TempDir()
	data := t.TempDir()
	testutil.WriteFITS(t, raw, "N20160524S0200.fits", rawCards("ARC", "dayCal", "Ar", "GN-2016A-Q-97-15", "", 0), nil)

	s := &Sorter{RawDir: raw, DataDir: data}
	res, err := s.Sort(context.Background())
	require.NoError(t, err)

	want := filepath.Join(data, "unmatched_calibrations", "2016-05-24", "SB_SXD_32", CalibrationsDir)
	assert.Equal(t, []string{want}, res.CalibrationDirs)
}

func TestReadThroughCache(t *testing.T) {
	cache, err := headercache.OpenInMemory()
	require.NoError(t, err)
	defer cache.Close()

	raw := t.TempDir()
	path := testutil.WriteFITS(t, raw, "N20160524S0100.fits", rawCards("OBJECT", "science", "V1331 Cyg", "GN-2016A-Q-97-13", "", 0), nil)

	f1, err := Read(path, cache)
	require.NoError(t, err)
	assert.Equal(t, "V1331 Cyg", f1.Object)
	assert.Equal(t, "ShortBlue_G5540-0.675arcsec_G5530-32/mm_G5533-SXD_G5536", f1.Config)

	// Second read is served from the cache and agrees with the first.
	f2, err := Read(path, cache)
	require.NoError(t, err)
	assert.Equal(t, f1.Object, f2.Object)
	assert.Equal(t, f1.AveTime, f2.AveTime)
	assert.Equal(t, path, f2.Path)
}
