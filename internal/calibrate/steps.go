// SPDX-License-Identifier: MIT

package calibrate

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/toolchain"
)

// atList references a list file the way the toolchain expects.
func atList(prefix, list string) string {
	if prefix == "" {
		return "@" + list
	}
	return prefix + "//@" + list
}

// clean would remove detector pattern noise. The cleaning task is not
// part of the toolchain yet, so the step only clears stale outputs and
// flags frame groups that were configured to stay uncleaned.
func (c *Calibrator) clean(ctx context.Context, rep *Report, dir string) error {
	logger := log.WithComponentFromContext(ctx, "calibrate")

	if c.Overwrite {
		if err := removeGlob(dir, c.Files.CleanPrefix+"N*.fits"); err != nil {
			return err
		}
	}

	for _, g := range []struct {
		name    string
		enabled bool
	}{
		{"QH flats", c.CleanQHFlats},
		{"IR flats", c.CleanIRFlats},
		{"arcs", c.CleanArcs},
		{"pinholes", c.CleanPinholes},
	} {
		if !g.enabled {
			rep.warn("%s not cleaned", g.name)
			logger.Warn().
				Str(log.FieldEvent, "calibrate.clean.skipped").
				Str(log.FieldObsDir, dir).
				Str("group", g.name).
				Msg("pattern noise cleaning disabled")
		}
	}
	return nil
}

// prepare runs nsprepare and nsreduce over every calibration frame,
// attaching the mask definition and cutting the spectral orders into
// separate extensions. The bad pixel mask follows the detector array.
func (c *Calibrator) prepare(ctx context.Context, rep *Report, dir string) error {
	all, err := frames.ReadList(dir, frames.ListAll)
	if err != nil {
		return err
	}
	first, err := frames.Read(filepath.Join(dir, all[0]), c.Cache)
	if err != nil {
		return err
	}
	bpm, err := bpmForArray(first.ArrayID)
	if err != nil {
		return err
	}

	prepared, err := filepath.Glob(filepath.Join(dir, c.Files.PreparedPrefix+"N*.fits"))
	if err != nil {
		return err
	}
	if len(prepared) > 0 {
		if !c.Overwrite {
			rep.Skipped = append(rep.Skipped, "prepare")
			return nil
		}
		if err := removeGlob(dir, c.Files.PreparedPrefix+"N*.fits"); err != nil {
			return err
		}
		if err := removeGlob(dir, c.Files.ReducedPrefix+c.Files.PreparedPrefix+"N*.fits"); err != nil {
			return err
		}
	}

	inLists := strings.Join([]string{
		"@" + frames.ListQHFlats,
		"@" + frames.ListIRFlats,
		"@" + frames.ListArcs,
		"@" + frames.ListPinholes,
	}, ",")
	prepIn := strings.Join([]string{
		atList(c.Files.PreparedPrefix, frames.ListQHFlats),
		atList(c.Files.PreparedPrefix, frames.ListIRFlats),
		atList(c.Files.PreparedPrefix, frames.ListArcs),
		atList(c.Files.PreparedPrefix, frames.ListPinholes),
	}, ",")

	return c.Runner.RunAll(ctx, []toolchain.Task{
		{Name: "nsprepare", Dir: dir, Args: map[string]string{
			"inimages":  inLists,
			"outprefix": c.Files.PreparedPrefix,
			"bpm":       bpm,
			"fl_vardq":  "yes",
			"fl_checkwcs": "yes",
			"fl_forcewcs": "yes",
		}},
		{Name: "nsreduce", Dir: dir, Args: map[string]string{
			"inimages":  prepIn,
			"outprefix": c.Files.ReducedPrefix,
			"fl_cut":    "yes",
			"fl_sky":    "no",
			"fl_flat":   "no",
			"fl_vardq":  "yes",
		}},
	})
}

// makeFlat builds the normalized QH and IR flats, then assembles the
// master flat from order 3 of the IR flat and orders 4-18 of the QH
// flat.
func (c *Calibrator) makeFlat(ctx context.Context, rep *Report, dir string) error {
	skip, err := c.outputPolicy(ctx, rep, dir, c.Files.QHFlat, c.Files.QHFlatBPM, c.Files.IRFlat, c.Files.IRFlatBPM, c.Files.MasterFlat)
	if err != nil {
		return err
	}
	if skip {
		rep.Skipped = append(rep.Skipped, "flat")
		return nil
	}

	// The QH lamp saturates order 3, the IR lamp is too faint beyond
	// it; each gets its own threshold envelope.
	return c.Runner.RunAll(ctx, []toolchain.Task{
		{Name: "nsflat", Dir: dir, Args: map[string]string{
			"lampson":  atList(c.Files.ReducedPrefix+c.Files.PreparedPrefix, frames.ListQHFlats),
			"flatfile": c.Files.QHFlat,
			"bpmfile":  c.Files.QHFlatBPM,
			"thr_fup":  "4.0",
			"order":    "5",
			"scale":    "median",
			"fl_vardq": "yes",
		}},
		{Name: "nsflat", Dir: dir, Args: map[string]string{
			"lampson":  atList(c.Files.ReducedPrefix+c.Files.PreparedPrefix, frames.ListIRFlats),
			"flatfile": c.Files.IRFlat,
			"bpmfile":  c.Files.IRFlatBPM,
			"thr_fup":  "1.5",
			"order":    "10",
			"scale":    "none",
			"fl_vardq": "yes",
		}},
		{Name: "fxcopy", Dir: dir, Args: map[string]string{
			"input":    c.Files.IRFlat,
			"output":   c.Files.MasterFlat,
			"group":    "0-3",
			"new_file": "yes",
		}},
		{Name: "fxinsert", Dir: dir, Args: map[string]string{
			"input":  c.Files.QHFlat,
			"output": c.Files.MasterFlat + "[3]",
			"groups": "4-18",
		}},
	})
}

// makeSDistortion traces the spatial curvature in the pinhole flat and
// verifies that the expected number of holes was found in every order.
func (c *Calibrator) makeSDistortion(ctx context.Context, rep *Report, dir string, xd *XDConfig) error {
	ref, err := c.sdistRefImage(dir)
	if err != nil {
		return err
	}

	dbGlob := filepath.Join(c.Files.DatabaseDir, "id"+c.Files.ReducedPrefix+c.Files.PreparedPrefix+"*")
	stale, err := filepath.Glob(filepath.Join(dir, dbGlob))
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		if !c.Overwrite {
			rep.Skipped = append(rep.Skipped, "sdist")
			return nil
		}
		if err := removeGlob(dir, dbGlob); err != nil {
			return err
		}
	}

	err = c.Runner.RunAll(ctx, []toolchain.Task{
		{Name: "nssdist", Dir: dir, Args: map[string]string{
			"inimages":  ref,
			"outsuffix": c.Files.SDistSuffix,
			"database":  c.Files.DatabaseDir,
			"coordlist": xd.PinholeCoordList,
			"function":  "legendre",
			"order":     "5",
		}},
	})
	if err != nil {
		return err
	}

	counts, err := pinholeFeatureCounts(filepath.Join(dir, c.Files.DatabaseDir))
	if err != nil {
		return err
	}
	for i, n := range counts {
		if n != xd.PinholeCount {
			rep.warn("expected %d pinholes in extension %d, distortion trace found %d", xd.PinholeCount, i+1, n)
		}
	}
	return nil
}

// makeWaveCal combines the arcs, rectifies them with the pinhole
// distortion solution, fits the wavelength solution, and builds the
// calibrated 1-D arc used for the coverage sanity check.
func (c *Calibrator) makeWaveCal(ctx context.Context, rep *Report, dir string, xd *XDConfig) error {
	ref, err := c.sdistRefImage(dir)
	if err != nil {
		return err
	}
	lineList, err := arcLineList(dir)
	if err != nil {
		return err
	}

	skip, err := c.outputPolicy(ctx, rep, dir, c.Files.CombinedArc)
	if err != nil {
		return err
	}
	if !skip {
		err = c.Runner.RunAll(ctx, []toolchain.Task{
			{Name: "nscombine", Dir: dir, Args: map[string]string{
				"inimages":  atList(c.Files.ReducedPrefix+c.Files.PreparedPrefix, frames.ListArcs),
				"output":    c.Files.CombinedArc,
				"tolerance": "0.5",
				"fl_vardq":  "yes",
			}},
		})
		if err != nil {
			return err
		}
	}

	calSkip, err := c.outputPolicy(ctx, rep, dir, c.Files.CalibratedArc)
	if err != nil {
		return err
	}
	if calSkip {
		rep.Skipped = append(rep.Skipped, "wavecal")
		return nil
	}
	for _, pattern := range []string{
		"*" + c.Files.FitcoordsPrefix + nofits(c.Files.CombinedArc) + "*",
		filepath.Join(c.Files.DatabaseDir, "id"+c.Files.WaveCalPrefix+c.Files.TransformPrefix+c.Files.FitcoordsPrefix+"*"),
		"arcorders*",
	} {
		if err := removeGlob(dir, pattern); err != nil {
			return err
		}
	}

	f := c.Files
	tfArc := f.TransformPrefix + f.FitcoordsPrefix + f.CombinedArc
	tftfArc := f.TransformPrefix + f.FitcoordsPrefix + tfArc

	// Rectify, fit the dispersion, then transform to horizontal lines.
	err = c.Runner.RunAll(ctx, []toolchain.Task{
		{Name: "nsfitcoords", Dir: dir, Args: map[string]string{
			"inimages":    f.CombinedArc,
			"outprefix":   f.FitcoordsPrefix,
			"sdisttransf": ref,
			"database":    f.DatabaseDir,
			"function":    "chebyshev",
		}},
		{Name: "nstransform", Dir: dir, Args: map[string]string{
			"inimages":  f.FitcoordsPrefix + f.CombinedArc,
			"outprefix": f.TransformPrefix,
			"database":  f.DatabaseDir,
		}},
		{Name: "nswavelength", Dir: dir, Args: map[string]string{
			"lampspectra": tfArc,
			"outprefix":   f.WaveCalPrefix,
			"coordlist":   lineList,
			"database":    f.DatabaseDir,
			"function":    "chebyshev",
			"order":       "4",
		}},
		{Name: "nsfitcoords", Dir: dir, Args: map[string]string{
			"inimages":  tfArc,
			"outprefix": f.FitcoordsPrefix,
			"lamptrans": f.WaveCalPrefix + tfArc,
			"database":  f.DatabaseDir,
			"function":  "chebyshev",
		}},
		{Name: "nstransform", Dir: dir, Args: map[string]string{
			"inimages":  f.FitcoordsPrefix + tfArc,
			"outprefix": f.TransformPrefix,
			"database":  f.DatabaseDir,
		}},
	})
	if err != nil {
		return err
	}

	// One column down the middle of each order, then combine into the
	// calibrated 1-D arc.
	var orderFiles []string
	for i := range xd.Orders {
		ext := i + 1
		out := nofits(tftfArc) + "_order" + strconv.Itoa(ext) + ".fits"
		orderFiles = append(orderFiles, out)
		err = c.Runner.RunAll(ctx, []toolchain.Task{
			{Name: "imcopy", Dir: dir, Args: map[string]string{
				"input":  fmt.Sprintf("%s[SCI,%d][%d,*]", tftfArc, ext, arcSampleColumns[i]),
				"output": out,
			}},
		})
		if err != nil {
			return err
		}
	}
	if err := frames.WriteList(dir, "arcorders.list", orderFiles); err != nil {
		return err
	}
	err = c.Runner.RunAll(ctx, []toolchain.Task{
		{Name: "odcombine", Dir: dir, Args: map[string]string{
			"input":   "@arcorders.list//[SCI,1]",
			"output":  c.Files.CalibratedArc,
			"combine": "average",
		}},
	})
	if err != nil {
		return err
	}

	return c.checkWavelengths(ctx, rep, dir, xd, orderFiles)
}

// arcSampleColumns are the detector columns sampled per order for the
// calibrated arc.
var arcSampleColumns = [...]int{88, 77, 65, 54, 53, 92}

func nofits(name string) string {
	return strings.TrimSuffix(name, ".fits")
}
