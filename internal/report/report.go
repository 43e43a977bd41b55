// SPDX-License-Identifier: MIT

// Package report builds the per-target data sheet summarising an
// observation after reduction: observing conditions, slit versus
// parallactic angle, and a signal-to-noise estimate of the extracted
// spectrum.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/fits"
	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/log"
)

// FinalDir holds the end products of a reduction inside an observation
// directory.
const FinalDir = "Final"

// DataSheetName is the report file written under FinalDir.
const DataSheetName = "data_sheet.json"

// TargetStats summarises one observation for the data sheet.
type TargetStats struct {
	Object           string   `json:"object"`
	Program          string   `json:"program,omitempty"`
	DateObs          string   `json:"date_obs,omitempty"`
	Airmass          float64  `json:"airmass,omitempty"`
	HourAngle        string   `json:"hour_angle,omitempty"`
	SlitAngle        float64  `json:"slit_angle"`
	ParallacticAngle float64  `json:"parallactic_angle"`
	AngleDiff        float64  `json:"angle_diff"`
	RawIQ            string   `json:"raw_iq,omitempty"`
	RawCC            string   `json:"raw_cc,omitempty"`
	RawWV            string   `json:"raw_wv,omitempty"`
	RawBG            string   `json:"raw_bg,omitempty"`
	SNR              float64  `json:"snr,omitempty"`
	SNRSource        string   `json:"snr_source,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// DataSheet is the JSON document written to Final/data_sheet.json.
type DataSheet struct {
	Generated time.Time   `json:"generated"`
	Version   string      `json:"version"`
	Science   TargetStats `json:"science"`
	Telluric  TargetStats `json:"telluric"`
}

// Generator writes data sheets for reduced observations.
type Generator struct {
	Files   config.RuntimeFilenames
	Version string
}

// Write assembles the data sheet for sciDir and its matched telluric
// directory and writes it under sciDir's Final directory, returning the
// sheet and the path written.
func (g *Generator) Write(ctx context.Context, sciDir, telDir string) (*DataSheet, string, error) {
	logger := log.WithComponentFromContext(ctx, "report")

	sheet := &DataSheet{
		Generated: time.Now().UTC(),
		Version:   g.Version,
	}

	root := strings.TrimSuffix(g.Files.CombinedSrc, ".fits")
	sci, err := g.targetStats(sciDir, []string{
		g.Files.FluxCalibPrefix + g.Files.DividedContPrefix + g.Files.TelluricPrefix + g.Files.ExtractPrefix + root + "_order3.fits",
		g.Files.DividedContPrefix + g.Files.TelluricPrefix + g.Files.ExtractPrefix + root + "_order3.fits",
	})
	if err != nil {
		return nil, "", err
	}
	sheet.Science = *sci

	tel, err := g.targetStats(telDir, []string{
		g.Files.HLinePrefix + g.Files.ExtractPrefix + root + "_order3.fits",
		g.Files.DividedContPrefix + g.Files.HLinePrefix + g.Files.ExtractPrefix + root + "_order3.fits",
	})
	if err != nil {
		return nil, "", err
	}
	sheet.Telluric = *tel

	finalDir := filepath.Join(sciDir, FinalDir)
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("report: %w", err)
	}
	path := filepath.Join(finalDir, DataSheetName)

	buf, err := json.MarshalIndent(sheet, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("report: %w", err)
	}
	if err := renameio.WriteFile(path, append(buf, '\n'), 0o644); err != nil {
		return nil, "", fmt.Errorf("report: %w", err)
	}

	logger.Info().
		Str(log.FieldEvent, "report.sheet.written").
		Str(log.FieldObsDir, sciDir).
		Str(log.FieldPath, path).
		Msg("data sheet written")
	return sheet, path, nil
}

// targetStats reads the combined image header of one observation and
// estimates the S/N from the first available extracted order spectrum.
func (g *Generator) targetStats(obsDir string, snrCandidates []string) (*TargetStats, error) {
	interDir := filepath.Join(obsDir, frames.IntermediateDir)
	h, err := fits.ReadHeader(filepath.Join(interDir, g.Files.CombinedSrc))
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}

	stats := &TargetStats{
		Object:    alnum(h.StrDefault("OBJECT", "unknown")),
		Program:   h.StrDefault("GEMPRGID", ""),
		DateObs:   h.StrDefault("DATE-OBS", ""),
		Airmass:   h.FloatDefault("AIRMASS", 0),
		HourAngle: h.StrDefault("HA", ""),
		SlitAngle: h.FloatDefault("PA", 0),
		RawIQ:     h.StrDefault("RAWIQ", ""),
		RawCC:     h.StrDefault("RAWCC", ""),
		RawWV:     h.StrDefault("RAWWV", ""),
		RawBG:     h.StrDefault("RAWBG", ""),
	}

	observat := h.StrDefault("OBSERVAT", "")
	dec, decErr := h.Float("DEC")
	az, azErr := h.Float("AZIMUTH")
	obs, obsErr := location(observat)
	ha, haErr := hmsToDeg(stats.HourAngle)
	if decErr != nil || azErr != nil || obsErr != nil || haErr != nil {
		stats.Warnings = append(stats.Warnings, "parallactic angle unavailable, header incomplete")
	} else {
		stats.ParallacticAngle = parallactic(dec, ha, obs.Latitude, az)
		stats.AngleDiff = math.Abs(stats.SlitAngle - stats.ParallacticAngle)
	}

	snrTried := false
	for _, name := range snrCandidates {
		path := filepath.Join(interDir, name)
		spec, err := fits.ReadSpectrum1D(path)
		if err != nil {
			continue
		}
		snrTried = true
		snr, err := estimateSNR(spec, snrWindowStart, snrWindowEnd)
		if err != nil {
			stats.Warnings = append(stats.Warnings, err.Error())
			break
		}
		stats.SNR = snr
		stats.SNRSource = name
		break
	}
	if !snrTried {
		stats.Warnings = append(stats.Warnings, "no extracted order spectrum found for the S/N estimate")
	}

	return stats, nil
}

// alnum strips everything but letters and digits, the object name form
// used in product filenames.
func alnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
