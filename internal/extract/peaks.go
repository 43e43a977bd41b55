// SPDX-License-Identifier: MIT

package extract

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gemini-dr/gnirspipe/internal/calibrate"
	"github.com/gemini-dr/gnirspipe/internal/fits"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
)

// peakNotFound marks an extension whose aperture file carries no center.
const peakNotFound = -1

// apFilePath is the aperture database file for one extension of image.
func apFilePath(dbDir, image string, ext int) string {
	return filepath.Join(dbDir, fmt.Sprintf("ap%s_SCI_%d_", strings.TrimSuffix(image, ".fits"), ext))
}

// readPeak returns the aperture center recorded in an aperture file, or
// peakNotFound when no center line exists.
func readPeak(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return peakNotFound, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "center" {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return peakNotFound, nil
			}
			return v, nil
		}
	}
	return peakNotFound, sc.Err()
}

// findPeaks collects aperture centers for every order of image in dbDir.
func findPeaks(dbDir, image string, orders int) ([]float64, error) {
	peaks := make([]float64, 0, orders)
	for ext := 1; ext <= orders; ext++ {
		p, err := readPeak(apFilePath(dbDir, image, ext))
		if err != nil {
			return nil, err
		}
		peaks = append(peaks, p)
	}
	return peaks, nil
}

// matchPeaks compares science aperture centers to the expected position
// derived from the telluric centers plus the slit offset between the
// two pointings. A faint science target often leads the extraction to a
// noise peak; those extensions need re-extraction at the expected spot.
func matchPeaks(sciPeaks, telPeaks []float64, pixelShift, tolerance float64) (matched []bool, reExtract bool) {
	matched = make([]bool, len(sciPeaks))
	for i := range sciPeaks {
		expected := telPeaks[i] + pixelShift
		if sciPeaks[i] == peakNotFound {
			reExtract = true
			continue
		}
		diff := sciPeaks[i] - expected
		if diff < 0 {
			diff = -diff
		}
		if diff < tolerance {
			matched[i] = true
		} else {
			reExtract = true
		}
	}
	return matched, reExtract
}

// slitShift computes the expected pixel offset between the science and
// telluric apertures from the headers of their combined images.
func slitShift(sciCombined, telCombined string) (float64, error) {
	sci, err := fits.ReadHeader(sciCombined)
	if err != nil {
		return 0, err
	}
	tel, err := fits.ReadHeader(telCombined)
	if err != nil {
		return 0, err
	}
	scale, err := sci.Float("PIXSCALE")
	if err != nil {
		return 0, err
	}
	if scale == 0 {
		return 0, fmt.Errorf("extract: zero PIXSCALE in %s", sciCombined)
	}
	return (sci.FloatDefault("QOFFSET", 0) - tel.FloatDefault("QOFFSET", 0)) / scale, nil
}

// checkPeaks cross-checks the science aperture centers against the
// telluric's and re-extracts with a forced aperture when they disagree.
func (e *Extractor) checkPeaks(ctx context.Context, rep *Report, sciInter, telInter string, xd *calibrate.XDConfig) error {
	logger := log.WithComponentFromContext(ctx, "extract")

	sciDB := filepath.Join(sciInter, e.Files.DatabaseDir)
	telDB := filepath.Join(telInter, e.Files.DatabaseDir)

	telPeaks, err := findPeaks(telDB, e.Files.CombinedSrc, len(xd.Orders))
	if err != nil {
		rep.Warnings = append(rep.Warnings, "telluric aperture references unavailable, peak check skipped")
		logger.Warn().
			Str(log.FieldEvent, "extract.peaks.no_reference").
			Str(log.FieldPath, telDB).
			Err(err).
			Msg("cannot check science apertures against the telluric")
		return nil
	}
	sciPeaks, err := findPeaks(sciDB, e.Files.CombinedSrc, len(xd.Orders))
	if err != nil {
		return err
	}

	shift, err := slitShift(filepath.Join(sciInter, e.Files.CombinedSrc), filepath.Join(telInter, e.Files.CombinedSrc))
	if err != nil {
		return err
	}

	matched, reExtract := matchPeaks(sciPeaks, telPeaks, shift, e.ToleranceOffset)
	rep.PeaksMatched = matched
	if !reExtract {
		return nil
	}

	metrics.IncCheckFailure("aperture_peak")
	rep.ReExtracted = true
	logger.Warn().
		Str(log.FieldEvent, "extract.peaks.mismatch").
		Str(log.FieldObsDir, sciInter).
		Float64("pixel_shift", shift).
		Msg("science aperture off the expected slit position, re-extracting")

	return e.reExtract(ctx, sciInter, telInter, telPeaks, matched, shift, xd)
}

// reExtract rebuilds the telluric aperture files with shifted centers
// and forces nsextract to use them as the science trace.
func (e *Extractor) reExtract(ctx context.Context, sciInter, telInter string, telPeaks []float64, matched []bool, shift float64, xd *calibrate.XDConfig) error {
	const refPrefix = "re"
	sciDB := filepath.Join(sciInter, e.Files.DatabaseDir)
	telDB := filepath.Join(telInter, e.Files.DatabaseDir)
	refImage := refPrefix + e.Files.CombinedSrc

	for ext := 1; ext <= len(xd.Orders); ext++ {
		// Stale science apertures would shadow the forced trace.
		if err := os.Remove(apFilePath(sciDB, e.Files.CombinedSrc, ext)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("extract: %w", err)
		}

		center := telPeaks[ext-1]
		if !matched[ext-1] {
			center += shift
		}
		if err := rewriteAperture(
			apFilePath(telDB, e.Files.CombinedSrc, ext),
			apFilePath(telDB, refImage, ext),
			telPeaks[ext-1], center,
			strings.TrimSuffix(e.Files.CombinedSrc, ".fits"),
			strings.TrimSuffix(refImage, ".fits"),
		); err != nil {
			return err
		}
	}

	if err := copyFile(filepath.Join(telInter, e.Files.CombinedSrc), filepath.Join(telInter, refImage)); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(sciInter, e.Files.ExtractPrefix+e.Files.CombinedSrc)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("extract: %w", err)
	}

	return e.nsextract(ctx, sciInter, e.Files.CombinedSrc, e.Files.ExtractPrefix, e.ApertureRadius,
		filepath.Join(telInter, refImage))
}

// rewriteAperture copies an aperture file, moving its center and
// renaming the image it references.
func rewriteAperture(src, dst string, oldCenter, newCenter float64, oldImage, newImage string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	oldStr := strconv.FormatFloat(oldCenter, 'f', -1, 64)
	newStr := strconv.FormatFloat(newCenter, 'f', -1, 64)
	out := strings.ReplaceAll(string(data), oldStr, newStr)
	out = strings.ReplaceAll(out, oldImage, newImage)

	if err := os.WriteFile(dst, []byte(out), 0o644); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("extract: %w", err)
	}
	return out.Close()
}
