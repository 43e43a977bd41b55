// SPDX-License-Identifier: MIT

package fits

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Spectrum1D is a wavelength-calibrated 1D spectrum read from a primary HDU.
type Spectrum1D struct {
	Flux []float64

	// Linear wavelength WCS.
	CRPix float64 // reference pixel (1-based)
	CRVal float64 // wavelength at reference pixel
	CDelt float64 // wavelength increment per pixel
}

// Wavelength returns the wavelength of sample i (0-based index).
func (s *Spectrum1D) Wavelength(i int) float64 {
	return s.CRVal + (float64(i+1)-s.CRPix)*s.CDelt
}

// Window returns the flux samples whose wavelengths fall in [w1, w2].
func (s *Spectrum1D) Window(w1, w2 float64) []float64 {
	if w1 > w2 {
		w1, w2 = w2, w1
	}
	var out []float64
	for i := range s.Flux {
		if w := s.Wavelength(i); w >= w1 && w <= w2 {
			out = append(out, s.Flux[i])
		}
	}
	return out
}

// ReadSpectrum1D reads a one-dimensional primary HDU image with a linear
// wavelength solution, applying BSCALE/BZERO.
func ReadSpectrum1D(path string) (*Spectrum1D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fits: open %s: %w", path, err)
	}
	defer f.Close()

	h, _, err := parseHeader(f)
	if err != nil {
		return nil, fmt.Errorf("fits: %s: %w", path, err)
	}

	naxis, err := h.Int("NAXIS")
	if err != nil {
		return nil, fmt.Errorf("fits: %s: %w", path, err)
	}
	if naxis != 1 {
		return nil, fmt.Errorf("fits: %s: expected 1D image, NAXIS=%d", path, naxis)
	}
	n, err := h.Int("NAXIS1")
	if err != nil {
		return nil, fmt.Errorf("fits: %s: %w", path, err)
	}
	bitpix, err := h.Int("BITPIX")
	if err != nil {
		return nil, fmt.Errorf("fits: %s: %w", path, err)
	}

	bscale := h.FloatDefault("BSCALE", 1)
	bzero := h.FloatDefault("BZERO", 0)

	var sampleSize int
	switch bitpix {
	case 16:
		sampleSize = 2
	case -32:
		sampleSize = 4
	case -64:
		sampleSize = 8
	default:
		return nil, fmt.Errorf("fits: %s: unsupported BITPIX %d", path, bitpix)
	}

	raw := make([]byte, n*sampleSize)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("fits: %s: read data: %w", path, err)
	}

	flux := make([]float64, n)
	for i := 0; i < n; i++ {
		chunk := raw[i*sampleSize : (i+1)*sampleSize]
		var v float64
		switch bitpix {
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(chunk)))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(chunk)))
		case -64:
			v = math.Float64frombits(binary.BigEndian.Uint64(chunk))
		}
		flux[i] = v*bscale + bzero
	}

	return &Spectrum1D{
		Flux:  flux,
		CRPix: h.FloatDefault("CRPIX1", 1),
		CRVal: h.FloatDefault("CRVAL1", 0),
		CDelt: h.FloatDefault("CDELT1", h.FloatDefault("CD1_1", 1)),
	}, nil
}
