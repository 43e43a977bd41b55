// SPDX-License-Identifier: MIT

package frames

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gemini-dr/gnirspipe/internal/headercache"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
)

// IntermediateDir holds per-observation reduction products.
const IntermediateDir = "Intermediate"

// CalibrationsDir holds the shared calibration frames for a date+config.
const CalibrationsDir = "Calibrations"

// Result summarizes one sorting pass over the raw directory.
type Result struct {
	ScienceDirs     []string       `json:"science_dirs"`
	TelluricDirs    []string       `json:"telluric_dirs"`
	CalibrationDirs []string       `json:"calibration_dirs"`
	Counts          map[Class]int  `json:"counts"`
	Skipped         []string       `json:"skipped,omitempty"`
}

// Sorter places raw frames into the observation tree:
//
//	<data>/<target>/<date>/<config>/Sci_<obsnum>/
//	<data>/<target>/<date>/<config>/Tel_<obsnum>/
//	<data>/<target>/<date>/<config>/Calibrations/
//
// and writes the list files each reduction step consumes.
type Sorter struct {
	RawDir  string
	DataDir string
	Cache   *headercache.Cache
}

type obsGroup struct {
	dir    string
	frames []*Frame
}

func (s *Sorter) Sort(ctx context.Context) (*Result, error) {
	logger := log.WithComponentFromContext(ctx, "frames")

	entries, err := os.ReadDir(s.RawDir)
	if err != nil {
		return nil, fmt.Errorf("frames: read raw dir: %w", err)
	}

	res := &Result{Counts: make(map[Class]int)}
	obsGroups := make(map[string]*obsGroup) // Sci_/Tel_ dirs
	calGroups := make(map[string][]*Frame)  // date|config -> cal frames

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".fits") {
			continue
		}
		path := filepath.Join(s.RawDir, e.Name())

		f, err := Read(path, s.Cache)
		if err != nil {
			metrics.IncSortFailure()
			logger.Warn().
				Str(log.FieldEvent, "frames.sort.skip").
				Str(log.FieldFrame, e.Name()).
				Err(err).
				Msg("unreadable frame skipped")
			res.Skipped = append(res.Skipped, e.Name())
			continue
		}

		class := f.Classify()
		res.Counts[class]++

		switch class {
		case ClassScience, ClassTelluric:
			dir := s.obsDir(f, class)
			g, ok := obsGroups[dir]
			if !ok {
				g = &obsGroup{dir: dir}
				obsGroups[dir] = g
			}
			g.frames = append(g.frames, f)
		case ClassArc, ClassIRFlat, ClassQHFlat, ClassPinhole, ClassDark:
			key := f.DateObs + "|" + configLabel(f)
			calGroups[key] = append(calGroups[key], f)
		default:
			metrics.IncSortFailure()
			logger.Warn().
				Str(log.FieldEvent, "frames.sort.unclassified").
				Str(log.FieldFrame, e.Name()).
				Str(log.FieldObsType, f.ObsType).
				Msg("frame did not match any class")
			res.Skipped = append(res.Skipped, e.Name())
		}
	}

	for class, n := range res.Counts {
		metrics.RecordFramesSorted(string(class), n)
	}

	for _, g := range obsGroups {
		if err := s.placeObservation(g); err != nil {
			return nil, err
		}
		base := filepath.Base(g.dir)
		if strings.HasPrefix(base, "Sci_") {
			res.ScienceDirs = append(res.ScienceDirs, g.dir)
		} else {
			res.TelluricDirs = append(res.TelluricDirs, g.dir)
		}
	}

	// Calibrations land beside every Sci_/Tel_ tree sharing their
	// date and config; orphans go under a fallback tree so nothing
	// is silently dropped.
	for key, cals := range calGroups {
		dirs := calTargetDirs(obsGroups, cals[0])
		if len(dirs) == 0 {
			date, cfg, _ := strings.Cut(key, "|")
			dirs = []string{filepath.Join(s.DataDir, "unmatched_calibrations", date, cfg, CalibrationsDir)}
		}
		for _, dir := range dirs {
			if err := s.placeCalibrations(dir, cals); err != nil {
				return nil, err
			}
			res.CalibrationDirs = append(res.CalibrationDirs, dir)
		}
	}

	sort.Strings(res.ScienceDirs)
	sort.Strings(res.TelluricDirs)
	sort.Strings(res.CalibrationDirs)

	logger.Info().
		Str(log.FieldEvent, "frames.sort.done").
		Int("science_dirs", len(res.ScienceDirs)).
		Int("telluric_dirs", len(res.TelluricDirs)).
		Int("calibration_dirs", len(res.CalibrationDirs)).
		Int("skipped", len(res.Skipped)).
		Msg("raw directory sorted")
	return res, nil
}

// obsDir is <data>/<target>/<date>/<config>/{Sci,Tel}_<obsnum>.
func (s *Sorter) obsDir(f *Frame, class Class) string {
	prefix := "Sci_"
	if class == ClassTelluric {
		prefix = "Tel_"
	}
	return filepath.Join(s.DataDir, Slugify(f.Object), f.DateObs, configLabel(f), prefix+obsNumber(f.ObsID))
}

func (s *Sorter) placeObservation(g *obsGroup) error {
	if err := os.MkdirAll(filepath.Join(g.dir, IntermediateDir), 0o755); err != nil {
		return fmt.Errorf("frames: %w", err)
	}

	var all, src, sky []string
	for _, f := range g.frames {
		if err := linkOrCopy(f.Path, filepath.Join(g.dir, f.Name)); err != nil {
			return err
		}
		all = append(all, f.Name)
		if f.OnSource() {
			src = append(src, f.Name)
		} else {
			sky = append(sky, f.Name)
		}
	}

	if err := WriteList(g.dir, ListAll, all); err != nil {
		return err
	}
	if err := WriteList(g.dir, ListSrc, src); err != nil {
		return err
	}
	return WriteList(g.dir, ListSky, sky)
}

func (s *Sorter) placeCalibrations(dir string, cals []*Frame) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("frames: %w", err)
	}

	byList := map[string][]string{
		ListAll: nil, ListArcs: nil, ListIRFlats: nil, ListQHFlats: nil, ListPinholes: nil,
	}
	for _, f := range cals {
		if err := linkOrCopy(f.Path, filepath.Join(dir, f.Name)); err != nil {
			return err
		}
		byList[ListAll] = append(byList[ListAll], f.Name)
		switch f.Classify() {
		case ClassArc:
			byList[ListArcs] = append(byList[ListArcs], f.Name)
		case ClassIRFlat:
			byList[ListIRFlats] = append(byList[ListIRFlats], f.Name)
		case ClassQHFlat:
			byList[ListQHFlats] = append(byList[ListQHFlats], f.Name)
		case ClassPinhole:
			byList[ListPinholes] = append(byList[ListPinholes], f.Name)
		}
	}

	for name, names := range byList {
		if err := WriteList(dir, name, names); err != nil {
			return err
		}
	}
	return nil
}

// calTargetDirs returns the Calibrations dir of every observation tree
// matching the calibration frame's date and config.
func calTargetDirs(groups map[string]*obsGroup, cal *Frame) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, g := range groups {
		f := g.frames[0]
		if f.DateObs != cal.DateObs || configLabel(f) != configLabel(cal) {
			continue
		}
		// Parent of Sci_/Tel_ is <target>/<date>/<config>.
		dir := filepath.Join(filepath.Dir(g.dir), CalibrationsDir)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// configLabel condenses the instrument setup into a short directory name
// like SB_SXD_32. Unrecognized setups fall back to the full config slug.
func configLabel(f *Frame) string {
	cam := cameraCode(f.Camera)
	prism := prismCode(f.Prism)
	grat := gratingLines(f.Grating)
	if cam == "" || prism == "" || grat == "" {
		return Slugify(f.Config)
	}
	return cam + "_" + prism + "_" + grat
}

func cameraCode(camera string) string {
	switch {
	case strings.HasPrefix(camera, "ShortBlue"):
		return "SB"
	case strings.HasPrefix(camera, "LongBlue"):
		return "LB"
	case strings.HasPrefix(camera, "ShortRed"):
		return "SR"
	case strings.HasPrefix(camera, "LongRed"):
		return "LR"
	}
	return ""
}

func prismCode(prism string) string {
	switch {
	case strings.Contains(prism, "SXD"):
		return "SXD"
	case strings.Contains(prism, "LXD"):
		return "LXD"
	case strings.Contains(prism, "MIR"):
		return "LS"
	}
	return ""
}

func gratingLines(grating string) string {
	// "32/mm_G5533" -> "32"
	if i := strings.IndexByte(grating, '/'); i > 0 {
		return grating[:i]
	}
	return ""
}

// obsNumber is the trailing observation number of an OBSID such as
// GN-2016A-Q-97-13.
func obsNumber(obsid string) string {
	if i := strings.LastIndexByte(obsid, '-'); i >= 0 && i+1 < len(obsid) {
		return obsid[i+1:]
	}
	if obsid == "" {
		return "0"
	}
	return Slugify(obsid)
}

func linkOrCopy(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("frames: copy %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("frames: copy %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("frames: copy %s: %w", dst, err)
	}
	return out.Close()
}
