// SPDX-License-Identifier: MIT

// Package calibrate reduces the shared calibrations of one observation
// night: flats, spatial distortion and the wavelength solution.
package calibrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/headercache"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
	"github.com/gemini-dr/gnirspipe/internal/toolchain"
)

// The five calibration steps, in execution order.
const (
	StepClean   = 1 // detector pattern noise removal
	StepPrepare = 2 // header preparation and spectral cutting
	StepFlat    = 3 // flat fields and the combined master flat
	StepSDist   = 4 // spatial distortion from pinhole frames
	StepWaveCal = 5 // wavelength solution from combined arcs
)

var stepNames = map[int]string{
	StepClean:   "clean",
	StepPrepare: "prepare",
	StepFlat:    "flat",
	StepSDist:   "sdist",
	StepWaveCal: "wavecal",
}

// Report records what one calibration run did.
type Report struct {
	Dir      string   `json:"dir"`
	Steps    []string `json:"steps"`
	Skipped  []string `json:"skipped,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Calibrator drives the calibration steps for one Calibrations directory.
type Calibrator struct {
	Runner    *toolchain.Runner
	Files     config.RuntimeFilenames
	Cache     *headercache.Cache
	Overwrite bool

	CleanQHFlats  bool
	CleanIRFlats  bool
	CleanArcs     bool
	CleanPinholes bool
}

// Run executes steps start..stop in dir.
func (c *Calibrator) Run(ctx context.Context, dir string, start, stop int) (*Report, error) {
	logger := log.WithComponentFromContext(ctx, "calibrate")

	if start < StepClean || stop > StepWaveCal || start > stop {
		return nil, fmt.Errorf("calibrate: invalid step range %d..%d", start, stop)
	}

	xd, err := ResolveXD(dir)
	if err != nil {
		return nil, err
	}

	// Every step needs the lists the sorter wrote.
	for _, list := range []string{frames.ListAll, frames.ListQHFlats, frames.ListIRFlats, frames.ListArcs, frames.ListPinholes} {
		names, err := frames.ReadList(dir, list)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("calibrate: %s missing or empty in %s", list, dir)
		}
	}

	rep := &Report{Dir: dir}
	logger.Info().
		Str(log.FieldEvent, "calibrate.start").
		Str(log.FieldObsDir, dir).
		Str(log.FieldConfig, xd.Label).
		Int("start_step", start).
		Int("stop_step", stop).
		Msg("reducing calibrations")

	for step := start; step <= stop; step++ {
		name := stepNames[step]
		began := time.Now()

		var err error
		switch step {
		case StepClean:
			err = c.clean(ctx, rep, dir)
		case StepPrepare:
			err = c.prepare(ctx, rep, dir)
		case StepFlat:
			err = c.makeFlat(ctx, rep, dir)
		case StepSDist:
			err = c.makeSDistortion(ctx, rep, dir, xd)
		case StepWaveCal:
			err = c.makeWaveCal(ctx, rep, dir, xd)
		}
		metrics.ObserveStep(name, time.Since(began).Seconds())
		if err != nil {
			return rep, fmt.Errorf("calibrate: step %s in %s: %w", name, dir, err)
		}

		rep.Steps = append(rep.Steps, name)
		logger.Info().
			Str(log.FieldEvent, "calibrate.step.done").
			Str(log.FieldObsDir, dir).
			Str(log.FieldStep, name).
			Dur("elapsed", time.Since(began)).
			Msg("calibration step finished")
	}
	return rep, nil
}

// sdistRefImage is the reduced, prepared first pinhole frame.
func (c *Calibrator) sdistRefImage(dir string) (string, error) {
	pinholes, err := frames.ReadList(dir, frames.ListPinholes)
	if err != nil {
		return "", err
	}
	if len(pinholes) == 0 {
		return "", fmt.Errorf("calibrate: empty %s", frames.ListPinholes)
	}
	return c.Files.ReducedPrefix + c.Files.PreparedPrefix + pinholes[0], nil
}

// outputPolicy decides whether a step may run based on an existing
// product: with overwrite the product is removed, without it the step
// is skipped and the old product reused.
func (c *Calibrator) outputPolicy(ctx context.Context, rep *Report, dir string, outputs ...string) (skip bool, err error) {
	logger := log.WithComponentFromContext(ctx, "calibrate")

	existing := make([]string, 0, len(outputs))
	for _, out := range outputs {
		if _, err := os.Stat(filepath.Join(dir, out)); err == nil {
			existing = append(existing, out)
		}
	}
	if len(existing) == 0 {
		return false, nil
	}

	if !c.Overwrite {
		logger.Warn().
			Str(log.FieldEvent, "calibrate.output.reused").
			Str(log.FieldObsDir, dir).
			Strs("outputs", existing).
			Msg("products exist and overwrite is off, reusing")
		return true, nil
	}

	for _, out := range existing {
		if err := os.Remove(filepath.Join(dir, out)); err != nil {
			return false, fmt.Errorf("calibrate: remove old %s: %w", out, err)
		}
	}
	logger.Warn().
		Str(log.FieldEvent, "calibrate.output.removed").
		Str(log.FieldObsDir, dir).
		Strs("outputs", existing).
		Msg("removed old products before rerun")
	return false, nil
}

// removeGlob clears stale intermediate products matching pattern.
func removeGlob(dir, pattern string) error {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
