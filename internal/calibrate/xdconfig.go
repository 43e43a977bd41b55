// SPDX-License-Identifier: MIT

package calibrate

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownXDConfig = errors.New("calibrate: unknown cross-dispersed configuration")
	ErrUnknownArrayID  = errors.New("calibrate: unknown detector array")
	ErrUnknownGrating  = errors.New("calibrate: unknown grating")
)

// Bad pixel masks shipped with the toolchain. The detector array was
// replaced in summer 2012; ARRAYID selects the matching mask.
const (
	bpm2011 = "gnirs$data/gnirsn_2011apr07_bpm.fits"
	bpm2012 = "gnirs$data/gnirsn_2012dec05_bpm.fits"
)

// Pinhole slit-mask coordinate lists and the hole counts the distortion
// trace must find in each order.
const (
	pinholesLong  = "gnirs$data/pinholes-long-dense-north.lis"
	pinholesShort = "gnirs$data/pinholes-short-dense-north.lis"
)

// WavelengthRange is a nominal [start, end] span in Angstroms.
type WavelengthRange [2]float64

// XDConfig captures the per-setup constants of a cross-dispersed mode.
type XDConfig struct {
	Label            string
	Orders           []int
	PinholeCoordList string
	PinholeCount     int

	// Nominal per-order wavelength coverage, indexed like Orders. Empty
	// when no advertised figures exist for the setup.
	Nominal []WavelengthRange

	// AccuracyPercent is the advertised wavelength solution accuracy as
	// a fraction of each order's coverage.
	AccuracyPercent float64
}

// ResolveXD maps a calibration directory path to its setup constants.
// The directory name carries the configuration label (e.g. SB_SXD_32).
func ResolveXD(dir string) (*XDConfig, error) {
	switch {
	case strings.Contains(dir, "LB_SXD"):
		return &XDConfig{
			Label:            "LB_SXD",
			Orders:           []int{3, 4, 5},
			PinholeCoordList: pinholesLong,
			PinholeCount:     9,
		}, nil
	case strings.Contains(dir, "LB_LXD"):
		return &XDConfig{
			Label:            "LB_LXD",
			Orders:           []int{3, 4, 5, 6, 7, 8},
			PinholeCoordList: pinholesLong,
			PinholeCount:     9,
		}, nil
	case strings.Contains(dir, "SB_SXD"):
		return &XDConfig{
			Label:            "SB_SXD",
			Orders:           []int{3, 4, 5, 6, 7, 8},
			PinholeCoordList: pinholesShort,
			PinholeCount:     6,
			Nominal: []WavelengthRange{
				{18690, 25310},
				{14020, 18980},
				{11220, 15180},
				{9350, 12650},
				{8020, 10840},
				{7020, 9480},
			},
			AccuracyPercent: 5,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownXDConfig, dir)
}

// bpmForArray picks the bad pixel mask matching the detector array.
func bpmForArray(arrayID string) (string, error) {
	switch strings.TrimSpace(arrayID) {
	case "SN7638228.1":
		return bpm2011, nil
	case "SN7638228.1.2":
		return bpm2012, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownArrayID, arrayID)
}

// arcLineList picks the arc line catalogue for the grating in use.
func arcLineList(dir string) (string, error) {
	switch {
	case strings.Contains(dir, "110"):
		return "gnirs$data/argon.dat", nil
	case strings.Contains(dir, "32"), strings.Contains(dir, "10"):
		return "gnirs$data/lowresargon.dat", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownGrating, dir)
}
