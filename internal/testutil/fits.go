// SPDX-License-Identifier: MIT

// Package testutil provides shared helpers for package tests.
package testutil

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Card is a single FITS header card for test fixtures.
type Card struct {
	Keyword string
	Value   any // string, int, float64 or bool
}

func formatCard(c Card) string {
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
		panic(fmt.Sprintf("unsupported card value type %T", c.Value))
	}
	card := fmt.Sprintf("%-8s= %s", c.Keyword, value)
	if len(card) > 80 {
		card = card[:80]
	}
	return card + strings.Repeat(" ", 80-len(card))
}

// FITSBytes builds a minimal FITS file: primary header plus optional
// big-endian float32 data (BITPIX=-32, NAXIS=1).
func FITSBytes(cards []Card, data []float32) []byte {
	var b strings.Builder

	base := []Card{{"SIMPLE", true}, {"BITPIX", -32}}
	if data != nil {
		base = append(base, Card{"NAXIS", 1}, Card{"NAXIS1", len(data)})
	} else {
		base = append(base, Card{"NAXIS", 0})
	}
	for _, c := range append(base, cards...) {
		b.WriteString(formatCard(c))
	}
	b.WriteString("END" + strings.Repeat(" ", 77))
	for b.Len()%2880 != 0 {
		b.WriteString(strings.Repeat(" ", 80))
	}

	out := []byte(b.String())
	if data != nil {
		payload := make([]byte, len(data)*4)
		for i, v := range data {
			binary.BigEndian.PutUint32(payload[i*4:], math.Float32bits(v))
		}
		for len(payload)%2880 != 0 {
			payload = append(payload, 0)
		}
		out = append(out, payload...)
	}
	return out
}

// WriteFITS writes a fixture FITS file under dir and returns its path.
func WriteFITS(t *testing.T, dir, name string, cards []Card, data []float32) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, FITSBytes(cards, data), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", path, err)
	}
	return path
}
