// SPDX-License-Identifier: MIT

package calibrate

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gemini-dr/gnirspipe/internal/fits"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
)

// dispersionLength is the dispersion-axis extent used to compute the
// ending wavelength of an order from CRVAL2 and CDELT2.
const dispersionLength = 1022

// pinholeFeatureCounts reads the distortion trace database and returns
// the number of features found per extension, in extension order.
func pinholeFeatureCounts(dbDir string) ([]int, error) {
	files, err := filepath.Glob(filepath.Join(dbDir, "idrn*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var counts []int
	for _, path := range files {
		n, err := firstFeatureCount(path)
		if err != nil {
			return nil, err
		}
		if n >= 0 {
			counts = append(counts, n)
		}
	}
	return counts, nil
}

func firstFeatureCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return -1, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "features" {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return -1, nil
			}
			return n, nil
		}
	}
	return -1, sc.Err()
}

// checkWavelengths verifies that each order's fitted wavelength span
// stays within the advertised accuracy of the nominal coverage.
func (c *Calibrator) checkWavelengths(ctx context.Context, rep *Report, dir string, xd *XDConfig, orderFiles []string) error {
	if len(xd.Nominal) == 0 {
		return nil
	}
	logger := log.WithComponentFromContext(ctx, "calibrate")

	for i, name := range orderFiles {
		if i >= len(xd.Nominal) {
			break
		}
		h, err := fits.ReadHeader(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		start, err := h.Float("CRVAL2")
		if err != nil {
			return err
		}
		delta, err := h.Float("CDELT2")
		if err != nil {
			return err
		}
		end := start + dispersionLength*delta

		nominal := xd.Nominal[i]
		tolerance := (nominal[1] - nominal[0]) * xd.AccuracyPercent / 100

		for _, v := range []struct {
			label  string
			actual float64
			want   float64
		}{
			{"starting", start, nominal[0]},
			{"ending", end, nominal[1]},
		} {
			diff := v.actual - v.want
			if diff < 0 {
				diff = -diff
			}
			if diff > tolerance {
				metrics.IncCheckFailure("wavelength_solution")
				rep.warn("%s wavelength of extension %d is %.0fA, expected %.0fA +/- %.0fA", v.label, i+1, v.actual, v.want, tolerance)
				logger.Warn().
					Str(log.FieldEvent, "calibrate.wavecal.outside_tolerance").
					Str(log.FieldObsDir, dir).
					Int("extension", i+1).
					Str("edge", v.label).
					Float64("actual", v.actual).
					Float64("expected", v.want).
					Float64("tolerance", tolerance).
					Msg("wavelength solution outside advertised accuracy")
			}
		}
	}
	return nil
}
