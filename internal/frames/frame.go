// SPDX-License-Identifier: MIT

// Package frames classifies raw GNIRS frames and lays out the observation
// directory tree the reduction steps operate on.
package frames

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gemini-dr/gnirspipe/internal/fits"
	"github.com/gemini-dr/gnirspipe/internal/headercache"
)

// Class is the reduction role of a raw frame.
type Class string

const (
	ClassScience  Class = "science"
	ClassTelluric Class = "telluric"
	ClassArc      Class = "arc"
	ClassIRFlat   Class = "irflat"
	ClassQHFlat   Class = "qhflat"
	ClassPinhole  Class = "pinhole"
	ClassDark     Class = "dark"
	ClassUnknown  Class = "unknown"
)

// Frame is the header extract the orchestrator needs from a raw file.
type Frame struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"` // base filename
	Object   string    `json:"object"`
	ObsType  string    `json:"obstype"`
	ObsClass string    `json:"obsclass"`
	ObsID    string    `json:"obsid"`
	GCalLamp string    `json:"gcallamp"`
	Slit     string    `json:"slit"`
	Camera   string    `json:"camera"`
	Grating  string    `json:"grating"`
	Prism    string    `json:"prism"`
	ArrayID  string    `json:"arrayid"`
	DateObs  string    `json:"dateobs"`
	ExpTime  float64   `json:"exptime"`
	Coords   string    `json:"coords"`
	Config   string    `json:"config"`
	AveTime  time.Time `json:"avetime"`
	QOffset  float64   `json:"qoffset"`
}

// Classify determines the reduction role of the frame.
func (f *Frame) Classify() Class {
	switch f.ObsType {
	case "ARC":
		return ClassArc
	case "DARK":
		return ClassDark
	case "FLAT":
		if strings.Contains(f.Slit, "Pinholes") {
			return ClassPinhole
		}
		switch f.GCalLamp {
		case "IRhigh":
			return ClassIRFlat
		case "QH":
			return ClassQHFlat
		}
		return ClassUnknown
	case "OBJECT":
		switch f.ObsClass {
		case "science":
			return ClassScience
		case "partnerCal", "progCal":
			return ClassTelluric
		}
		return ClassUnknown
	}
	return ClassUnknown
}

// OnSource reports whether the telescope was on-slit for this exposure.
// Nods larger than the threshold are sky frames.
const skyOffsetArcsec = 2.5

func (f *Frame) OnSource() bool {
	return f.QOffset < skyOffsetArcsec && f.QOffset > -skyOffsetArcsec
}

// Read parses the frame headers at path, consulting cache when non-nil.
func Read(path string, cache *headercache.Cache) (*Frame, error) {
	var key string
	if cache != nil {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("frames: stat %s: %w", path, err)
		}
		key = headercache.Key(path, info)

		var f Frame
		if err := cache.Get(key, &f); err == nil {
			f.Path = path
			return &f, nil
		}
	}

	h, err := fits.ReadHeader(path)
	if err != nil {
		return nil, err
	}
	f, err := fromHeader(path, h)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		// A failed cache write is not fatal; the next pass re-parses.
		_ = cache.Put(key, f)
	}
	return f, nil
}

func fromHeader(path string, h *fits.Header) (*Frame, error) {
	obstype, err := h.Str("OBSTYPE")
	if err != nil {
		return nil, fmt.Errorf("frames: %s: %w", path, err)
	}

	f := &Frame{
		Path:     path,
		Name:     baseName(path),
		Object:   h.StrDefault("OBJECT", ""),
		ObsType:  strings.TrimSpace(obstype),
		ObsClass: h.StrDefault("OBSCLASS", ""),
		ObsID:    h.StrDefault("OBSID", ""),
		GCalLamp: h.StrDefault("GCALLAMP", ""),
		Slit:     h.StrDefault("SLIT", ""),
		Camera:   h.StrDefault("CAMERA", ""),
		Grating:  h.StrDefault("GRATING", ""),
		Prism:    h.StrDefault("PRISM", ""),
		ArrayID:  h.StrDefault("ARRAYID", ""),
		DateObs:  h.StrDefault("DATE-OBS", ""),
		ExpTime:  h.FloatDefault("EXPTIME", 0),
		QOffset:  h.FloatDefault("QOFFSET", 0),
		Coords:   h.Coords(),
		Config:   h.InstrumentConfig(),
	}

	if ave, err := h.AveTime(); err == nil {
		f.AveTime = ave
	}
	return f, nil
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
