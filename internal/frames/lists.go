// SPDX-License-Identifier: MIT

package frames

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// List file names written into observation and calibration directories.
const (
	ListAll      = "all.list"
	ListSrc      = "src.list"
	ListSky      = "sky.list"
	ListArcs     = "arcs.list"
	ListIRFlats  = "IRflats.list"
	ListQHFlats  = "QHflats.list"
	ListPinholes = "pinholes.list"
)

// WriteList atomically writes one frame name per line, sorted.
func WriteList(dir, name string, names []string) error {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	var b strings.Builder
	for _, n := range sorted {
		b.WriteString(n)
		b.WriteByte('\n')
	}

	path := filepath.Join(dir, name)
	if err := renameio.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("frames: write %s: %w", path, err)
	}
	return nil
}

// ReadList returns the non-empty lines of a list file. A missing file
// yields an empty slice, not an error.
func ReadList(dir, name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("frames: read %s: %w", filepath.Join(dir, name), err)
	}

	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
