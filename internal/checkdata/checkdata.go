// SPDX-License-Identifier: MIT

// Package checkdata verifies that every science observation has
// consistent frames and a usable set of calibrations before any
// reduction step runs.
package checkdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/headercache"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
)

// Tellurics taken further than this from the science midpoint still
// match, but get flagged.
const telluricWarnGap = 90 * time.Minute

var (
	ErrNoCalibrations = errors.New("checkdata: no matching calibration directory")
	ErrNoTelluric     = errors.New("checkdata: no matching telluric standard")
	ErrExpTimeTie     = errors.New("checkdata: ambiguous exposure times")
)

// Problem is a non-fatal finding. Kind is one of missing_list,
// missing_file, too_few_files, config_mismatch, coords_mismatch,
// object_mismatch, obstype_mismatch, exptime_mixed, telluric_gap.
type Problem struct {
	Kind    string `json:"kind"`
	Dir     string `json:"dir"`
	List    string `json:"list,omitempty"`
	Message string `json:"message"`
}

// Report is the outcome of checking one science directory.
type Report struct {
	ScienceDir     string        `json:"science_dir"`
	CalibrationDir string        `json:"calibration_dir"`
	TelluricDir    string        `json:"telluric_dir"`
	TelluricGap    time.Duration `json:"telluric_gap"`
	Problems       []Problem     `json:"problems,omitempty"`
}

// Checker validates observation directories against their lists and
// pairs each science directory with calibrations and a telluric.
type Checker struct {
	Cache *headercache.Cache
}

// Check runs the full validation for one science directory.
func (c *Checker) Check(ctx context.Context, sciDir string, calDirs, telDirs []string) (*Report, error) {
	logger := log.WithComponentFromContext(ctx, "checkdata")
	logger.Info().
		Str(log.FieldEvent, "checkdata.start").
		Str(log.FieldObsDir, sciDir).
		Msg("checking science directory")

	rep := &Report{ScienceDir: sciDir}

	sci, err := c.readFrames(sciDir)
	if err != nil {
		return nil, err
	}
	if len(sci) == 0 {
		return nil, fmt.Errorf("checkdata: no frames in %s", sciDir)
	}

	for _, list := range []string{frames.ListAll, frames.ListSrc, frames.ListSky} {
		optional := list == frames.ListSky
		c.checkList(ctx, rep, sciDir, list, sci, optional)
	}

	first := sci[0]

	calDir, err := c.matchCalibrations(ctx, rep, first, calDirs)
	if err != nil {
		return rep, err
	}
	rep.CalibrationDir = calDir

	telDir, gap, err := c.matchTelluric(ctx, rep, first, telDirs)
	if err != nil {
		return rep, err
	}
	rep.TelluricDir = telDir
	rep.TelluricGap = gap

	logger.Info().
		Str(log.FieldEvent, "checkdata.done").
		Str(log.FieldObsDir, sciDir).
		Str("calibration_dir", calDir).
		Str("telluric_dir", telDir).
		Int("problems", len(rep.Problems)).
		Msg("science directory checked")
	return rep, nil
}

// matchCalibrations finds the calibration directory whose first arc,
// IR flat and QH flat agree with the science frame on date, config
// and pointing, then validates its lists.
func (c *Checker) matchCalibrations(ctx context.Context, rep *Report, sci *frames.Frame, calDirs []string) (string, error) {
	logger := log.WithComponentFromContext(ctx, "checkdata")

	for _, cdir := range calDirs {
		cal, err := c.readFrames(cdir)
		if err != nil {
			logger.Warn().Str(log.FieldEvent, "checkdata.caldir.unreadable").Str(log.FieldPath, cdir).Err(err).Msg("skipping calibration directory")
			continue
		}

		var arc, irflat, qhflat *frames.Frame
		for _, f := range cal {
			switch f.Classify() {
			case frames.ClassArc:
				if arc == nil {
					arc = f
				}
			case frames.ClassIRFlat:
				if irflat == nil {
					irflat = f
				}
			case frames.ClassQHFlat:
				if qhflat == nil {
					qhflat = f
				}
			}
		}
		if arc == nil || irflat == nil || qhflat == nil {
			continue
		}

		match := true
		for _, f := range []*frames.Frame{arc, irflat, qhflat} {
			if f.DateObs != sci.DateObs || f.Config != sci.Config {
				match = false
				break
			}
		}
		if !match {
			continue
		}

		for _, list := range []string{frames.ListArcs, frames.ListIRFlats, frames.ListQHFlats} {
			c.checkList(ctx, rep, cdir, list, cal, false)
		}
		return cdir, nil
	}

	metrics.IncCheckFailure("no_calibrations")
	return "", fmt.Errorf("%w for %s", ErrNoCalibrations, rep.ScienceDir)
}

// matchTelluric picks the telluric directory with the same config and
// night whose mid-exposure time is closest to the science frame's.
func (c *Checker) matchTelluric(ctx context.Context, rep *Report, sci *frames.Frame, telDirs []string) (string, time.Duration, error) {
	logger := log.WithComponentFromContext(ctx, "checkdata")

	var (
		best    string
		bestGap time.Duration
		bestTel []*frames.Frame
	)
	for _, tdir := range telDirs {
		tel, err := c.readFrames(tdir)
		if err != nil || len(tel) == 0 {
			continue
		}
		f := tel[0]
		if f.Config != sci.Config || f.DateObs != sci.DateObs {
			continue
		}
		gap := f.AveTime.Sub(sci.AveTime)
		if gap < 0 {
			gap = -gap
		}
		if best == "" || gap < bestGap {
			best, bestGap, bestTel = tdir, gap, tel
		}
	}

	if best == "" {
		metrics.IncCheckFailure("no_telluric")
		return "", 0, fmt.Errorf("%w for %s", ErrNoTelluric, rep.ScienceDir)
	}

	if bestGap > telluricWarnGap {
		metrics.IncCheckFailure("telluric_gap")
		rep.addProblem("telluric_gap", best, "",
			fmt.Sprintf("telluric taken %s from the science observation", bestGap))
		logger.Warn().
			Str(log.FieldEvent, "checkdata.telluric.gap").
			Str(log.FieldPath, best).
			Dur("gap", bestGap).
			Msg("telluric far from science midpoint")
	}

	for _, list := range []string{frames.ListAll, frames.ListSrc} {
		c.checkList(ctx, rep, best, list, bestTel, false)
	}
	return best, bestGap, nil
}

// readFrames parses every FITS file directly under dir, sorted by name.
func (c *Checker) readFrames(dir string) ([]*frames.Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("checkdata: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".fits") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*frames.Frame, 0, len(names))
	for _, n := range names {
		f, err := frames.Read(filepath.Join(dir, n), c.Cache)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *Report) addProblem(kind, dir, list, msg string) {
	r.Problems = append(r.Problems, Problem{Kind: kind, Dir: dir, List: list, Message: msg})
}
