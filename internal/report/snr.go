// SPDX-License-Identifier: MIT

package report

import (
	"fmt"
	"math"

	"github.com/gemini-dr/gnirspipe/internal/fits"
)

// Default wavelength window for the signal-to-noise estimate, chosen inside
// the K band where telluric absorption is mild.
const (
	snrWindowStart = 21000.0
	snrWindowEnd   = 22000.0
)

// estimateSNR measures the signal-to-noise ratio of a 1-D spectrum in
// [w1, w2]: the continuum is modelled with a least-squares line and the
// noise taken as the rms of the residuals.
func estimateSNR(s *fits.Spectrum1D, w1, w2 float64) (float64, error) {
	var xs, ys []float64
	for i := range s.Flux {
		if w := s.Wavelength(i); w >= w1 && w <= w2 {
			xs = append(xs, w)
			ys = append(ys, s.Flux[i])
		}
	}
	if len(xs) < 3 {
		return 0, fmt.Errorf("report: only %d samples in %g-%g, cannot estimate S/N", len(xs), w1, w2)
	}

	slope, intercept := linfit(xs, ys)

	var signal, rss float64
	for i := range xs {
		model := slope*xs[i] + intercept
		signal += model
		r := ys[i] - model
		rss += r * r
	}
	signal /= float64(len(xs))
	noise := math.Sqrt(rss / float64(len(xs)))
	if noise == 0 {
		return 0, fmt.Errorf("report: zero residual noise in %g-%g", w1, w2)
	}
	return signal / noise, nil
}

func linfit(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	d := n*sxx - sx*sx
	if d == 0 {
		return 0, sy / n
	}
	slope = (n*sxy - sx*sy) / d
	intercept = (sy - slope*sx) / n
	return slope, intercept
}
