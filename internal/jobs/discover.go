// SPDX-License-Identifier: MIT

package jobs

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gemini-dr/gnirspipe/internal/frames"
)

// Discover walks the data tree and returns the science, telluric and
// calibration directories found, sorted for deterministic processing.
func Discover(dataDir string) (sciDirs, telDirs, calDirs []string, err error) {
	err = filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := d.Name()
		switch {
		case strings.HasPrefix(base, "Sci_"):
			sciDirs = append(sciDirs, path)
		case strings.HasPrefix(base, "Tel_"):
			telDirs = append(telDirs, path)
		case base == frames.CalibrationsDir:
			calDirs = append(calDirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("jobs: discover %s: %w", dataDir, err)
	}
	sort.Strings(sciDirs)
	sort.Strings(telDirs)
	sort.Strings(calDirs)
	return sciDirs, telDirs, calDirs, nil
}

// filterEnabled drops directories explicitly disabled in the overrides map.
// Keys may be absolute or relative to dataDir; directories without an entry
// stay enabled.
func filterEnabled(dirs []string, overrides map[string]bool, dataDir string) []string {
	if len(overrides) == 0 {
		return dirs
	}
	resolved := make(map[string]bool, len(overrides))
	for k, v := range overrides {
		if !filepath.IsAbs(k) {
			k = filepath.Join(dataDir, k)
		}
		resolved[filepath.Clean(k)] = v
	}
	var out []string
	for _, d := range dirs {
		if enabled, ok := resolved[filepath.Clean(d)]; ok && !enabled {
			continue
		}
		out = append(out, d)
	}
	return out
}
