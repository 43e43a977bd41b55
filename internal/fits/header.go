// SPDX-License-Identifier: MIT

// Package fits implements the subset of FITS access the pipeline needs:
// primary-HDU header cards and 1D spectra. Multi-extension processing stays
// in the external reduction toolchain; this package only reads what the
// orchestrator must inspect (classification keywords and wavelength WCS).
package fits

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	blockSize = 2880
	cardSize  = 80
)

var (
	ErrKeywordMissing = errors.New("fits: keyword missing")
	ErrTruncated      = errors.New("fits: truncated header")
)

// Header holds the parsed cards of a primary HDU in file order.
type Header struct {
	keys  []string
	cards map[string]string // keyword -> raw value text (comment stripped)
}

// ReadHeader parses the primary HDU header of the file at path.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fits: open %s: %w", path, err)
	}
	defer f.Close()

	h, _, err := parseHeader(f)
	if err != nil {
		return nil, fmt.Errorf("fits: %s: %w", path, err)
	}
	return h, nil
}

// parseHeader consumes header blocks from r until the END card and returns
// the header plus the number of bytes consumed (always a block multiple).
func parseHeader(r io.Reader) (*Header, int64, error) {
	h := &Header{cards: make(map[string]string)}
	block := make([]byte, blockSize)
	var consumed int64

	for {
		if _, err := io.ReadFull(r, block); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, consumed, ErrTruncated
			}
			return nil, consumed, err
		}
		consumed += blockSize

		for off := 0; off < blockSize; off += cardSize {
			card := string(block[off : off+cardSize])
			keyword := strings.TrimRight(card[:8], " ")

			switch keyword {
			case "END":
				return h, consumed, nil
			case "", "COMMENT", "HISTORY":
				continue
			}

			if card[8:10] != "= " {
				// Commentary card without value indicator.
				continue
			}

			value := stripComment(card[10:])
			if _, dup := h.cards[keyword]; !dup {
				h.keys = append(h.keys, keyword)
			}
			h.cards[keyword] = value
		}
	}
}

// stripComment removes an inline comment from a card value field. Slashes
// inside quoted strings do not start a comment.
func stripComment(v string) string {
	inString := false
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '\'':
			inString = !inString
		case '/':
			if !inString {
				return strings.TrimSpace(v[:i])
			}
		}
	}
	return strings.TrimSpace(v)
}

// Keys returns the keywords in file order.
func (h *Header) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Has reports whether the keyword is present.
func (h *Header) Has(keyword string) bool {
	_, ok := h.cards[keyword]
	return ok
}

func (h *Header) raw(keyword string) (string, error) {
	v, ok := h.cards[keyword]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeywordMissing, keyword)
	}
	return v, nil
}

// Str returns a string-valued card with quotes removed and padding trimmed.
func (h *Header) Str(keyword string) (string, error) {
	v, err := h.raw(keyword)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(v, "'") {
		end := len(v)
		if strings.HasSuffix(v, "'") && end > 1 {
			end--
		}
		v = strings.ReplaceAll(v[1:end], "''", "'")
	}
	return strings.TrimRight(v, " "), nil
}

// Float returns a numeric card as float64.
func (h *Header) Float(keyword string) (float64, error) {
	v, err := h.raw(keyword)
	if err != nil {
		return 0, err
	}
	// FITS allows D exponents in addition to E.
	v = strings.ReplaceAll(strings.ReplaceAll(v, "D", "E"), "d", "e")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("fits: keyword %s: invalid numeric value %q", keyword, v)
	}
	return f, nil
}

// Int returns an integer-valued card.
func (h *Header) Int(keyword string) (int, error) {
	v, err := h.raw(keyword)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("fits: keyword %s: invalid integer value %q", keyword, v)
	}
	return n, nil
}

// Bool returns a logical card (T/F).
func (h *Header) Bool(keyword string) (bool, error) {
	v, err := h.raw(keyword)
	if err != nil {
		return false, err
	}
	switch v {
	case "T":
		return true, nil
	case "F":
		return false, nil
	}
	return false, fmt.Errorf("fits: keyword %s: invalid logical value %q", keyword, v)
}

// StrDefault returns the string value or def when the keyword is absent.
func (h *Header) StrDefault(keyword, def string) string {
	v, err := h.Str(keyword)
	if err != nil {
		return def
	}
	return v
}

// FloatDefault returns the numeric value or def when the keyword is absent.
func (h *Header) FloatDefault(keyword string, def float64) float64 {
	v, err := h.Float(keyword)
	if err != nil {
		return def
	}
	return v
}

// ObsStart combines DATE-OBS and TIME-OBS into an observation start time (UTC).
func (h *Header) ObsStart() (time.Time, error) {
	date, err := h.Str("DATE-OBS")
	if err != nil {
		return time.Time{}, err
	}
	clock, err := h.Str("TIME-OBS")
	if err != nil {
		return time.Time{}, err
	}
	// TIME-OBS may carry fractional seconds.
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, perr := time.Parse(layout, date+"T"+clock); perr == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("fits: unparseable DATE-OBS/TIME-OBS %q %q", date, clock)
}

// AveTime returns the mid-exposure time: start plus half of EXPTIME.
func (h *Header) AveTime() (time.Time, error) {
	start, err := h.ObsStart()
	if err != nil {
		return time.Time{}, err
	}
	exptime, err := h.Float("EXPTIME")
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(time.Duration(exptime/2*1000) * time.Millisecond), nil
}

// InstrumentConfig compounds the keywords that define a GNIRS setup. Frames
// reduced together must agree on this string.
func (h *Header) InstrumentConfig() string {
	parts := []string{
		h.StrDefault("CAMERA", ""),
		h.StrDefault("SLIT", ""),
		h.StrDefault("GRATING", ""),
		h.StrDefault("PRISM", ""),
	}
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
	}
	return strings.Join(parts, "-")
}

// Coords returns the pointing rounded to avoid dither-level jitter splitting
// an observation across groups.
func (h *Header) Coords() string {
	ra := h.FloatDefault("RA", 0)
	dec := h.FloatDefault("DEC", 0)
	return fmt.Sprintf("%.3f%+.3f", ra, dec)
}
