// SPDX-License-Identifier: MIT

package fits

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/google/renameio/v2"
)

// Card is a header keyword/value pair attached to a written spectrum.
type Card struct {
	Keyword string
	Value   any // string, int, float64 or bool
}

func formatCard(c Card) (string, error) {
	var value string
	switch v := c.Value.(type) {
	case string:
		value = fmt.Sprintf("'%-8s'", strings.ReplaceAll(v, "'", "''"))
	case bool:
		if v {
			value = fmt.Sprintf("%20s", "T")
		} else {
			value = fmt.Sprintf("%20s", "F")
		}
	case int:
		value = fmt.Sprintf("%20d", v)
	case float64:
		value = fmt.Sprintf("%20G", v)
	default:
		return "", fmt.Errorf("fits: unsupported value type %T for %s", c.Value, c.Keyword)
	}
	card := fmt.Sprintf("%-8s= %s", c.Keyword, value)
	if len(card) > 80 {
		card = card[:80]
	}
	return card + strings.Repeat(" ", 80-len(card)), nil
}

// WriteSpectrum1D writes s as a single-HDU FITS image (BITPIX=-32) with a
// linear wavelength solution, plus any extra header cards. The file is
// replaced atomically.
func WriteSpectrum1D(path string, s *Spectrum1D, extra ...Card) error {
	var b strings.Builder

	cards := []Card{
		{"SIMPLE", true},
		{"BITPIX", -32},
		{"NAXIS", 1},
		{"NAXIS1", len(s.Flux)},
		{"CRPIX1", s.CRPix},
		{"CRVAL1", s.CRVal},
		{"CDELT1", s.CDelt},
		{"CD1_1", s.CDelt},
	}
	cards = append(cards, extra...)
	for _, c := range cards {
		formatted, err := formatCard(c)
		if err != nil {
			return err
		}
		b.WriteString(formatted)
	}
	b.WriteString("END" + strings.Repeat(" ", 77))
	for b.Len()%2880 != 0 {
		b.WriteString(strings.Repeat(" ", 80))
	}

	payload := make([]byte, len(s.Flux)*4)
	for i, v := range s.Flux {
		binary.BigEndian.PutUint32(payload[i*4:], math.Float32bits(float32(v)))
	}
	for len(payload)%2880 != 0 {
		payload = append(payload, 0)
	}

	return renameio.WriteFile(path, append([]byte(b.String()), payload...), 0o644)
}
