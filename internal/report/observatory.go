// SPDX-License-Identifier: MIT

package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Observatory is a site location used for the parallactic angle.
type Observatory struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`  // degrees
	Longitude float64 `json:"longitude"` // degrees
	Elevation float64 `json:"elevation"` // meters
}

// observatories maps the OBSERVAT header value to a site.
var observatories = map[string]Observatory{
	"Gemini-North": {"Gemini-North", 19.82380, -155.46906, 4213},
	"Gemini-South": {"Gemini-South", -30.24074, -70.73669, 2722},
}

func location(name string) (Observatory, error) {
	obs, ok := observatories[name]
	if !ok {
		return Observatory{}, fmt.Errorf("report: unknown observatory %q", name)
	}
	return obs, nil
}

// hmsToDeg converts a sexagesimal hour angle "HH:MM:SS.sss" to degrees.
// A leading minus sign applies to the whole angle.
func hmsToDeg(angle string) (float64, error) {
	trimmed := strings.TrimSpace(angle)
	sign := 1.0
	if strings.HasPrefix(trimmed, "-") {
		sign = -1
		trimmed = trimmed[1:]
	} else {
		trimmed = strings.TrimPrefix(trimmed, "+")
	}
	parts := strings.Split(trimmed, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("report: malformed hour angle %q", angle)
	}
	h, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, fmt.Errorf("report: malformed hour angle %q", angle)
	}
	m, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, fmt.Errorf("report: malformed hour angle %q", angle)
	}
	s, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("report: malformed hour angle %q", angle)
	}
	hours := h + m/60 + s/3600
	return sign * hours / 24 * 360, nil
}

// parallactic computes the parallactic angle in degrees from the target
// declination, hour angle and azimuth and the site latitude, all in
// degrees.
func parallactic(dec, ha, lat, az float64) float64 {
	dec *= math.Pi / 180
	ha *= math.Pi / 180
	lat *= math.Pi / 180
	az *= math.Pi / 180

	var pa float64
	if math.Cos(dec) != 0 {
		sinp := -math.Sin(az) * math.Cos(lat) / math.Cos(dec)
		cosp := -math.Cos(az)*math.Cos(ha) - math.Sin(az)*math.Sin(ha)*math.Sin(lat)
		pa = math.Atan2(sinp, cosp)
	} else if lat > 0 {
		pa = math.Pi
	}
	return pa * 180 / math.Pi
}
