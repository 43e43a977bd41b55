// SPDX-License-Identifier: MIT

// Package extract produces 1-D spectra from the combined 2-D source and
// sky images of an observation.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gemini-dr/gnirspipe/internal/calibrate"
	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/headercache"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/toolchain"
)

// apertureWindow is the usable slit extent in pixels per configuration,
// used to bound full-slit and stepwise extraction.
func apertureWindow(label string) float64 {
	if label == "LB_LXD" {
		return 33
	}
	return 46
}

// Report records what was extracted for one observation directory.
type Report struct {
	Dir           string   `json:"dir"`
	Extracted     []string `json:"extracted"`
	ReExtracted   bool     `json:"re_extracted,omitempty"`
	PeaksMatched  []bool   `json:"peaks_matched,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	SkySNRSkipped bool     `json:"sky_snr_skipped,omitempty"`
}

// Extractor runs the aperture extraction tasks for science and telluric
// observations.
type Extractor struct {
	Runner    *toolchain.Runner
	Files     config.RuntimeFilenames
	Cache     *headercache.Cache
	Overwrite bool

	UseApall        bool
	SubtractBkg     string
	ApertureRadius  float64
	CheckPeaksMatch bool
	ToleranceOffset float64
	FullSlit        bool
	Stepwise        bool
	StepSize        float64
	CalculateSNR    bool
}

// tracingColumns is the nsum used when tracing apertures.
func (e *Extractor) tracingColumns() int {
	if e.UseApall {
		return 20
	}
	return 10
}

// Run extracts 1-D spectra in obsDir's Intermediate directory. For
// science observations telDir points at the matched telluric, enabling
// the peak cross-check.
func (e *Extractor) Run(ctx context.Context, obsDir, telDir string) (*Report, error) {
	logger := log.WithComponentFromContext(ctx, "extract")

	xd, err := calibrate.ResolveXD(obsDir)
	if err != nil {
		return nil, err
	}

	interDir := filepath.Join(obsDir, frames.IntermediateDir)
	rep := &Report{Dir: obsDir}

	srcPath := filepath.Join(interDir, e.Files.CombinedSrc)
	if _, err := os.Stat(srcPath); err != nil {
		return nil, fmt.Errorf("extract: combined source spectrum missing in %s: %w", interDir, err)
	}

	out := filepath.Join(interDir, e.Files.ExtractPrefix+e.Files.CombinedSrc)
	if _, err := os.Stat(out); err == nil {
		if !e.Overwrite {
			logger.Warn().
				Str(log.FieldEvent, "extract.output.reused").
				Str(log.FieldObsDir, obsDir).
				Msg("extracted spectrum exists and overwrite is off, reusing")
			return rep, nil
		}
		if err := os.Remove(out); err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
	}

	if err := e.nsextract(ctx, interDir, e.Files.CombinedSrc, e.Files.ExtractPrefix, e.ApertureRadius, ""); err != nil {
		return rep, err
	}
	rep.Extracted = append(rep.Extracted, e.Files.ExtractPrefix+e.Files.CombinedSrc)

	if e.CalculateSNR {
		skyPath := filepath.Join(interDir, e.Files.CombinedSky)
		if _, err := os.Stat(skyPath); err != nil {
			rep.SkySNRSkipped = true
			rep.Warnings = append(rep.Warnings, "combined sky spectrum missing, skipping noise extraction")
			logger.Warn().
				Str(log.FieldEvent, "extract.sky.missing").
				Str(log.FieldObsDir, obsDir).
				Msg("cannot extract sky spectrum for noise estimate")
		} else {
			if err := e.nsextract(ctx, interDir, e.Files.CombinedSky, e.Files.ExtractPrefix, e.ApertureRadius, ""); err != nil {
				return rep, err
			}
			rep.Extracted = append(rep.Extracted, e.Files.ExtractPrefix+e.Files.CombinedSky)
		}
	}

	if telDir != "" && e.CheckPeaksMatch {
		if err := e.checkPeaks(ctx, rep, interDir, filepath.Join(telDir, frames.IntermediateDir), xd); err != nil {
			return rep, err
		}
	}

	window := apertureWindow(xd.Label)
	if e.FullSlit {
		if err := e.nsextract(ctx, interDir, e.Files.CombinedSrc, e.Files.FullSlitPrefix, window/2, ""); err != nil {
			return rep, err
		}
		rep.Extracted = append(rep.Extracted, e.Files.FullSlitPrefix+e.Files.CombinedSrc)
	}
	if e.Stepwise {
		if err := e.stepwise(ctx, rep, interDir, window); err != nil {
			return rep, err
		}
	}

	logger.Info().
		Str(log.FieldEvent, "extract.done").
		Str(log.FieldObsDir, obsDir).
		Strs("extracted", rep.Extracted).
		Msg("extraction finished")
	return rep, nil
}

// nsextract runs one aperture extraction. trace, when set, forces the
// aperture position from a reference image.
func (e *Extractor) nsextract(ctx context.Context, dir, image, prefix string, radius float64, trace string) error {
	args := map[string]string{
		"inimages":   image,
		"outprefix":  prefix,
		"line":       "700",
		"nsum":       strconv.Itoa(e.tracingColumns()),
		"upper":      strconv.FormatFloat(radius, 'f', -1, 64),
		"lower":      strconv.FormatFloat(-radius, 'f', -1, 64),
		"background": e.SubtractBkg,
		"fl_apall":   boolWord(e.UseApall),
		"fl_trace":   "no",
		"fl_vardq":   "yes",
		"weights":    "variance",
	}
	if trace != "" {
		args["trace"] = trace
	}
	return e.Runner.RunAll(ctx, []toolchain.Task{{Name: "nsextract", Dir: dir, Args: args}})
}

// stepwise extracts narrow adjacent apertures across the slit, tracing
// once so every step follows the same spatial profile.
func (e *Extractor) stepwise(ctx context.Context, rep *Report, dir string, window float64) error {
	step := e.StepSize
	if step <= 0 {
		return fmt.Errorf("extract: stepwise extraction needs a positive step size")
	}

	// Narrow trace reference first; the steps reuse its aperture.
	traceRef := "extractionStepwiseTraceReference"
	err := e.Runner.RunAll(ctx, []toolchain.Task{{Name: "nsextract", Dir: dir, Args: map[string]string{
		"inimages":   e.Files.CombinedSrc,
		"outspectra": traceRef,
		"line":       "700",
		"nsum":       strconv.Itoa(e.tracingColumns()),
		"upper":      "3",
		"lower":      "-3",
		"background": "none",
		"fl_apall":   "yes",
		"fl_trace":   "yes",
		"fl_vardq":   "yes",
		"weights":    "variance",
	}}})
	if err != nil {
		return err
	}

	radius := window / 2
	n := 0
	for lower := -radius; lower < radius; lower += step {
		n++
		prefix := e.Files.StepwisePrefix + strconv.Itoa(n)
		err := e.Runner.RunAll(ctx, []toolchain.Task{{Name: "nsextract", Dir: dir, Args: map[string]string{
			"inimages":   e.Files.CombinedSrc,
			"outprefix":  prefix,
			"line":       "700",
			"nsum":       strconv.Itoa(e.tracingColumns()),
			"upper":      strconv.FormatFloat(lower+step, 'f', -1, 64),
			"lower":      strconv.FormatFloat(lower, 'f', -1, 64),
			"background": "none",
			"fl_apall":   "yes",
			"fl_trace":   "no",
			"trace":      traceRef,
			"fl_vardq":   "yes",
			"weights":    "variance",
		}}})
		if err != nil {
			return err
		}
		rep.Extracted = append(rep.Extracted, prefix+e.Files.CombinedSrc)
	}
	return nil
}

func boolWord(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
