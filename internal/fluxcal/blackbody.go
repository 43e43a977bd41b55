// SPDX-License-Identifier: MIT

package fluxcal

import (
	"math"

	"github.com/gemini-dr/gnirspipe/internal/fits"
)

// CGS constants for the Planck law.
const (
	planckH    = 6.62607015e-27 // erg s
	lightSpeed = 2.99792458e10  // cm/s
	boltzmannK = 1.380649e-16   // erg/K
)

// planck returns the blackbody spectral radiance B_lambda at wavelength
// lambda (Angstrom) and temperature t (Kelvin), in erg/s/cm^2/cm/sr.
// The absolute normalisation is irrelevant here since every blackbody is
// rescaled before use; only the shape matters.
func planck(lambda, t float64) float64 {
	lcm := lambda * 1e-8
	x := planckH * lightSpeed / (lcm * boltzmannK * t)
	return 2 * planckH * lightSpeed * lightSpeed / math.Pow(lcm, 5) / (math.Exp(x) - 1)
}

// blackbody evaluates a blackbody of temperature t on the wavelength grid
// of ref, returning a new spectrum with the same linear solution.
func blackbody(ref *fits.Spectrum1D, t float64) *fits.Spectrum1D {
	bb := &fits.Spectrum1D{
		Flux:  make([]float64, len(ref.Flux)),
		CRPix: ref.CRPix,
		CRVal: ref.CRVal,
		CDelt: ref.CDelt,
	}
	for i := range bb.Flux {
		bb.Flux[i] = planck(ref.Wavelength(i), t)
	}
	return bb
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
