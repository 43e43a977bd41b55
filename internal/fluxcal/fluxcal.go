// SPDX-License-Identifier: MIT

// Package fluxcal flux-calibrates telluric-corrected 1-D science spectra by
// scaling a blackbody at the standard star's temperature to its continuum,
// order by order.
package fluxcal

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gemini-dr/gnirspipe/internal/calibrate"
	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/fits"
	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
)

const (
	funitsKeyword  = "FUNITS"
	funitsAbsolute = "erg/cm^2/s/A"
	funitsRelative = "Flambda, relative"
)

// Standard holds the standard-star parameters used to build and scale the
// per-order blackbodies. Orders without a magnitude entry get a relative
// calibration only.
type Standard struct {
	Temperature float64         // Kelvin
	Magnitudes  map[int]float64 // per spectral order
}

// Report records the flux calibration outcome for one science directory.
type Report struct {
	Dir        string   `json:"dir"`
	Absolute   bool     `json:"absolute"`
	Calibrated []string `json:"calibrated,omitempty"`
	Skipped    []int    `json:"skipped,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Calibrator scales per-order blackbodies to the standard star and applies
// them to the telluric-corrected science spectra.
type Calibrator struct {
	Files     config.RuntimeFilenames
	Overwrite bool

	Standard Standard
	// ZeroMagFluxes maps spectral order to the zero-magnitude flux density
	// in erg/cm^2/s/A, required for absolute calibration of that order.
	ZeroMagFluxes map[int]float64
}

// Run flux-calibrates every order file under sciDir's Intermediate
// directory, using the divided-continuum spectra in telDir to model the
// standard star.
func (c *Calibrator) Run(ctx context.Context, sciDir, telDir string) (*Report, error) {
	logger := log.WithComponentFromContext(ctx, "fluxcal")
	started := time.Now()
	defer func() { metrics.ObserveStep("fluxcal", time.Since(started).Seconds()) }()

	xd, err := calibrate.ResolveXD(sciDir)
	if err != nil {
		return nil, err
	}

	sciInter := filepath.Join(sciDir, frames.IntermediateDir)
	telInter := filepath.Join(telDir, frames.IntermediateDir)

	root := nofits(c.Files.CombinedSrc)
	sciRoot := c.Files.DividedContPrefix + c.Files.TelluricPrefix + c.Files.ExtractPrefix + root
	stdRoot := c.Files.DividedContPrefix + c.Files.HLinePrefix + c.Files.ExtractPrefix + root

	rep := &Report{Dir: sciDir}

	sciExp, err := exptime(orderFile(sciInter, sciRoot, xd.Orders[0]))
	if err != nil {
		return nil, err
	}
	stdExp, err := exptime(orderFile(telInter, stdRoot, xd.Orders[0]))
	if err != nil {
		return nil, err
	}

	// Scaled blackbodies by order, needed for the overlap scaling of the
	// next order down in wavelength.
	scaled := make(map[int]*fits.Spectrum1D)

	for i, order := range xd.Orders {
		sciFile := orderFile(sciInter, sciRoot, order)
		stdFile := orderFile(telInter, stdRoot, order)
		bbUnscaledPath := filepath.Join(sciInter, c.Files.BlackbodyUnscaled+strconv.Itoa(order)+".fits")
		bbScaledPath := filepath.Join(sciInter, c.Files.BlackbodyScaled+strconv.Itoa(order)+".fits")
		outPath := filepath.Join(sciInter, c.Files.FluxCalibPrefix+filepath.Base(sciFile))

		if _, err := os.Stat(outPath); err == nil {
			if !c.Overwrite {
				rep.Skipped = append(rep.Skipped, order)
				logger.Warn().
					Str(log.FieldEvent, "fluxcal.output.reused").
					Str(log.FieldObsDir, sciDir).
					Int("order", order).
					Msg("flux calibrated spectrum exists and overwrite is off, skipping order")
				continue
			}
			for _, stale := range []string{bbUnscaledPath, bbScaledPath, outPath} {
				if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
					return nil, fmt.Errorf("fluxcal: %w", err)
				}
			}
		}

		std, err := fits.ReadSpectrum1D(stdFile)
		if err != nil {
			return nil, fmt.Errorf("fluxcal: order %d: %w", order, err)
		}

		flambda := stdExp / sciExp
		if mag, ok := c.Standard.Magnitudes[order]; ok {
			zero, ok := c.ZeroMagFluxes[order]
			if !ok {
				return nil, fmt.Errorf("fluxcal: no zero magnitude flux for order %d", order)
			}
			flambda *= math.Pow(10, -mag/2.5) * zero
			rep.Absolute = true
		} else {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("no magnitude for order %d, calibration is relative", order))
		}

		bb := blackbody(std, c.Standard.Temperature)
		if err := fits.WriteSpectrum1D(bbUnscaledPath, bb); err != nil {
			return nil, fmt.Errorf("fluxcal: %w", err)
		}

		var scale float64
		if order <= 5 {
			scale = flambda / mean(bb.Flux)
		} else {
			prev, err := c.previousScaled(scaled, sciInter, xd.Orders[i-1])
			if err != nil {
				return nil, err
			}
			scale, err = overlapScale(bb, prev, order, xd.Orders[i-1])
			if err != nil {
				return nil, err
			}
		}
		logger.Debug().
			Str(log.FieldEvent, "fluxcal.blackbody.scaled").
			Int("order", order).
			Float64("scale", scale).
			Msg("blackbody scale factor")

		bbScaled := &fits.Spectrum1D{
			Flux:  make([]float64, len(bb.Flux)),
			CRPix: bb.CRPix,
			CRVal: bb.CRVal,
			CDelt: bb.CDelt,
		}
		for j := range bb.Flux {
			bbScaled.Flux[j] = bb.Flux[j] * scale
		}
		if err := fits.WriteSpectrum1D(bbScaledPath, bbScaled); err != nil {
			return nil, fmt.Errorf("fluxcal: %w", err)
		}
		scaled[order] = bbScaled

		sci, err := fits.ReadSpectrum1D(sciFile)
		if err != nil {
			return nil, fmt.Errorf("fluxcal: order %d: %w", order, err)
		}
		if len(sci.Flux) != len(bbScaled.Flux) {
			return nil, fmt.Errorf("fluxcal: order %d: science and standard grids differ (%d vs %d samples)",
				order, len(sci.Flux), len(bbScaled.Flux))
		}
		out := &fits.Spectrum1D{
			Flux:  make([]float64, len(sci.Flux)),
			CRPix: sci.CRPix,
			CRVal: sci.CRVal,
			CDelt: sci.CDelt,
		}
		for j := range sci.Flux {
			out.Flux[j] = sci.Flux[j] * bbScaled.Flux[j]
		}

		units := funitsRelative
		if _, ok := c.Standard.Magnitudes[order]; ok {
			units = funitsAbsolute
		}
		if err := fits.WriteSpectrum1D(outPath, out,
			fits.Card{Keyword: funitsKeyword, Value: units},
			fits.Card{Keyword: "EXPTIME", Value: sciExp},
		); err != nil {
			return nil, fmt.Errorf("fluxcal: %w", err)
		}
		rep.Calibrated = append(rep.Calibrated, filepath.Base(outPath))

		logger.Info().
			Str(log.FieldEvent, "fluxcal.order.done").
			Str(log.FieldObsDir, sciDir).
			Int("order", order).
			Str(log.FieldPath, outPath).
			Msg("flux calibrated order")
	}

	return rep, nil
}

// previousScaled returns the scaled blackbody of the order one step up in
// wavelength, reading it back from disk when the order was skipped in this
// run.
func (c *Calibrator) previousScaled(scaled map[int]*fits.Spectrum1D, dir string, order int) (*fits.Spectrum1D, error) {
	if s, ok := scaled[order]; ok {
		return s, nil
	}
	path := filepath.Join(dir, c.Files.BlackbodyScaled+strconv.Itoa(order)+".fits")
	s, err := fits.ReadSpectrum1D(path)
	if err != nil {
		return nil, fmt.Errorf("fluxcal: scaled blackbody for order %d unavailable: %w", order, err)
	}
	return s, nil
}

// overlapScale ties the current order's blackbody to the previous order's
// scaled one over their shared wavelength range. Adjacent orders normally
// overlap; when they do not the grating was not where the wavelength
// solution says it was, and the calibration cannot continue.
func overlapScale(cur, prev *fits.Spectrum1D, order, prevOrder int) (float64, error) {
	w1 := startWavelength(prev)
	w2 := endWavelength(cur)
	if w2 < w1 {
		return 0, fmt.Errorf("fluxcal: orders %d and %d do not overlap in wavelength; "+
			"check the calibrated arc before trusting these data", prevOrder, order)
	}
	unscaledMean := mean(cur.Window(w1, w2))
	scaledMean := mean(prev.Window(w1, w2))
	if math.IsNaN(unscaledMean) || math.IsNaN(scaledMean) {
		return 0, fmt.Errorf("fluxcal: empty overlap between orders %d and %d", prevOrder, order)
	}
	return scaledMean / unscaledMean, nil
}

func startWavelength(s *fits.Spectrum1D) float64 {
	return s.CRVal - (s.CRPix-1)*s.CDelt
}

func endWavelength(s *fits.Spectrum1D) float64 {
	return startWavelength(s) + float64(len(s.Flux))*s.CDelt
}

func orderFile(dir, root string, order int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_order%d.fits", root, order))
}

func exptime(path string) (float64, error) {
	h, err := fits.ReadHeader(path)
	if err != nil {
		return 0, fmt.Errorf("fluxcal: %w", err)
	}
	v, err := h.Float("EXPTIME")
	if err != nil {
		return 0, fmt.Errorf("fluxcal: %s: %w", path, err)
	}
	return v, nil
}

func nofits(name string) string {
	return strings.TrimSuffix(name, ".fits")
}
