// SPDX-License-Identifier: MIT

// Package reduce turns raw science and telluric frames into combined
// 2-D spectra: header preparation, cutting, flat fielding and sky
// subtraction, then combination of the on-source stack.
package reduce

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/headercache"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
	"github.com/gemini-dr/gnirspipe/internal/toolchain"
)

// Report records the products of one observation reduction.
type Report struct {
	Dir         string   `json:"dir"`
	CombinedSrc string   `json:"combined_src"`
	CombinedSky string   `json:"combined_sky,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Reducer reduces one observation directory against its matched
// calibrations.
type Reducer struct {
	Runner    *toolchain.Runner
	Files     config.RuntimeFilenames
	Cache     *headercache.Cache
	Overwrite bool

	// CombineSky also reduces and combines the off-source frames
	// without sky subtraction, for noise estimates downstream.
	CombineSky bool
}

// Run reduces obsDir using the products in calDir. Outputs land in the
// observation's Intermediate directory.
func (r *Reducer) Run(ctx context.Context, obsDir, calDir string) (*Report, error) {
	logger := log.WithComponentFromContext(ctx, "reduce")
	began := time.Now()

	src, err := frames.ReadList(obsDir, frames.ListSrc)
	if err != nil {
		return nil, err
	}
	if len(src) == 0 {
		return nil, fmt.Errorf("reduce: no on-source frames in %s", obsDir)
	}
	sky, err := frames.ReadList(obsDir, frames.ListSky)
	if err != nil {
		return nil, err
	}

	first, err := frames.Read(filepath.Join(obsDir, src[0]), r.Cache)
	if err != nil {
		return nil, err
	}
	bpm, err := bpmFor(first.ArrayID)
	if err != nil {
		return nil, err
	}

	inter := filepath.Join(obsDir, frames.IntermediateDir)
	rep := &Report{Dir: obsDir}

	// The observation directory holds the raw frames; lists are copied
	// beside the products so @list references resolve in the task cwd.
	for _, list := range []string{frames.ListAll, frames.ListSrc, frames.ListSky} {
		names, err := frames.ReadList(obsDir, list)
		if err != nil {
			return nil, err
		}
		if names == nil {
			continue
		}
		withPath := make([]string, len(names))
		for i, n := range names {
			withPath[i] = filepath.Join("..", n)
		}
		if err := frames.WriteList(inter, list, withPath); err != nil {
			return nil, err
		}
	}

	masterflat := filepath.Join(relToCal(obsDir, calDir), r.Files.MasterFlat)

	tasks := []toolchain.Task{
		{Name: "nsprepare", Dir: inter, Args: map[string]string{
			"inimages":  "@" + frames.ListAll,
			"outprefix": r.Files.PreparedPrefix,
			"bpm":       bpm,
			"fl_vardq":  "yes",
		}},
		{Name: "nsreduce", Dir: inter, Args: map[string]string{
			"inimages":  atPrepared(r.Files.PreparedPrefix, frames.ListSrc),
			"outprefix": r.Files.ReducedPrefix,
			"fl_cut":    "yes",
			"fl_sky":    "yes",
			"skyimages": atPrepared(r.Files.PreparedPrefix, frames.ListSky),
			"fl_flat":   "yes",
			"flatimage": masterflat,
			"fl_vardq":  "yes",
		}},
		{Name: "nscombine", Dir: inter, Args: map[string]string{
			"inimages":  atPrepared(r.Files.ReducedPrefix+r.Files.PreparedPrefix, frames.ListSrc),
			"output":    r.Files.CombinedSrc,
			"tolerance": "0.5",
			"fl_cross":  "yes",
			"fl_vardq":  "yes",
		}},
	}
	if err := r.Runner.RunAll(ctx, tasks); err != nil {
		return rep, err
	}
	rep.CombinedSrc = filepath.Join(inter, r.Files.CombinedSrc)

	if r.CombineSky {
		if len(sky) == 0 {
			rep.Warnings = append(rep.Warnings, "no sky frames, combined sky spectrum not produced")
			logger.Warn().
				Str(log.FieldEvent, "reduce.sky.missing").
				Str(log.FieldObsDir, obsDir).
				Msg("cannot build combined sky spectrum")
		} else {
			err := r.Runner.RunAll(ctx, []toolchain.Task{
				{Name: "nsreduce", Dir: inter, Args: map[string]string{
					"inimages":  atPrepared(r.Files.PreparedPrefix, frames.ListSky),
					"outprefix": r.Files.ReducedPrefix,
					"fl_cut":    "yes",
					"fl_sky":    "no",
					"fl_flat":   "yes",
					"flatimage": masterflat,
					"fl_vardq":  "yes",
				}},
				{Name: "nscombine", Dir: inter, Args: map[string]string{
					"inimages":  atPrepared(r.Files.ReducedPrefix+r.Files.PreparedPrefix, frames.ListSky),
					"output":    r.Files.CombinedSky,
					"tolerance": "0.5",
					"fl_vardq":  "yes",
				}},
			})
			if err != nil {
				return rep, err
			}
			rep.CombinedSky = filepath.Join(inter, r.Files.CombinedSky)
		}
	}

	metrics.ObserveStep("reduce", time.Since(began).Seconds())
	logger.Info().
		Str(log.FieldEvent, "reduce.done").
		Str(log.FieldObsDir, obsDir).
		Dur("elapsed", time.Since(began)).
		Msg("observation reduced")
	return rep, nil
}

func atPrepared(prefix, list string) string {
	return prefix + "//@" + list
}

// relToCal references the calibration directory relative to the
// Intermediate task cwd, keeping products relocatable.
func relToCal(obsDir, calDir string) string {
	rel, err := filepath.Rel(filepath.Join(obsDir, frames.IntermediateDir), calDir)
	if err != nil {
		return calDir
	}
	return rel
}

func bpmFor(arrayID string) (string, error) {
	switch strings.TrimSpace(arrayID) {
	case "SN7638228.1":
		return "gnirs$data/gnirsn_2011apr07_bpm.fits", nil
	case "SN7638228.1.2":
		return "gnirs$data/gnirsn_2012dec05_bpm.fits", nil
	}
	return "", fmt.Errorf("reduce: unknown detector array %q", arrayID)
}
