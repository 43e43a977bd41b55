// SPDX-License-Identifier: MIT

package checkdata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
)

// minFiles is the smallest usable list size per observation type.
func minFiles(obstype string) int {
	if obstype == "OBJECT" {
		return 2 // need at least one nod pair
	}
	return 1
}

// checkList validates one list file against the frames present in dir:
// every listed file must exist, the group must agree on config, pointing,
// target and observation type, and mixed exposure times are resolved by
// rewriting the list to the majority value (backing up the original).
func (c *Checker) checkList(ctx context.Context, rep *Report, dir, list string, known []*frames.Frame, optional bool) {
	logger := log.WithComponentFromContext(ctx, "checkdata")

	names, err := frames.ReadList(dir, list)
	if err != nil || names == nil {
		if !optional {
			metrics.IncCheckFailure("missing_list")
			rep.addProblem("missing_list", dir, list, "list file not found")
		}
		return
	}

	byName := make(map[string]*frames.Frame, len(known))
	for _, f := range known {
		byName[f.Name] = f
	}

	var listed []*frames.Frame
	for _, n := range names {
		f, ok := byName[n]
		if !ok {
			metrics.IncCheckFailure("missing_file")
			rep.addProblem("missing_file", dir, list, fmt.Sprintf("%s is listed but not present", n))
			continue
		}
		listed = append(listed, f)
	}
	if len(listed) == 0 {
		metrics.IncCheckFailure("too_few_files")
		rep.addProblem("too_few_files", dir, list, "no usable files in list")
		return
	}

	min := minFiles(listed[0].ObsType)
	if len(listed) < min {
		metrics.IncCheckFailure("too_few_files")
		rep.addProblem("too_few_files", dir, list, fmt.Sprintf("only %d of %d required files", len(listed), min))
	}

	checkUniform(rep, dir, list, "config_mismatch", listed, func(f *frames.Frame) string { return f.Config })
	checkUniform(rep, dir, list, "coords_mismatch", listed, func(f *frames.Frame) string { return f.Coords })
	checkUniform(rep, dir, list, "object_mismatch", listed, func(f *frames.Frame) string { return f.Object })
	checkUniform(rep, dir, list, "obstype_mismatch", listed, func(f *frames.Frame) string { return f.ObsType })

	if err := c.resolveExpTimes(ctx, rep, dir, list, listed, min); err != nil {
		logger.Error().
			Str(log.FieldEvent, "checkdata.exptime.unresolved").
			Str(log.FieldPath, filepath.Join(dir, list)).
			Err(err).
			Msg("exposure time conflict could not be resolved")
	}
}

func checkUniform(rep *Report, dir, list, kind string, fs []*frames.Frame, key func(*frames.Frame) string) {
	first := key(fs[0])
	for _, f := range fs[1:] {
		if key(f) != first {
			metrics.IncCheckFailure(kind)
			rep.addProblem(kind, dir, list, fmt.Sprintf("%s disagrees: %q vs %q", f.Name, key(f), first))
			return
		}
	}
}

// resolveExpTimes rewrites the list to keep only the majority exposure
// time. The original list survives as <list>.bak. A tie between the two
// most common values is not resolvable automatically.
func (c *Checker) resolveExpTimes(ctx context.Context, rep *Report, dir, list string, listed []*frames.Frame, min int) error {
	logger := log.WithComponentFromContext(ctx, "checkdata")

	freq := make(map[float64]int)
	for _, f := range listed {
		freq[f.ExpTime]++
	}
	if len(freq) <= 1 {
		return nil
	}

	metrics.IncCheckFailure("exptime_mixed")
	rep.addProblem("exptime_mixed", dir, list, fmt.Sprintf("%d distinct exposure times", len(freq)))

	var majority float64
	var count int
	for val, n := range freq {
		if n > count {
			majority, count = val, n
		}
	}
	ties := 0
	for _, n := range freq {
		if n == count {
			ties++
		}
	}
	if ties > 1 {
		return fmt.Errorf("%w in %s: most common count %d occurs for %d values", ErrExpTimeTie, filepath.Join(dir, list), count, ties)
	}

	src := filepath.Join(dir, list)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("checkdata: %w", err)
	}
	if err := os.WriteFile(src+".bak", data, 0o644); err != nil {
		return fmt.Errorf("checkdata: backup %s: %w", src, err)
	}

	var keep []string
	for _, f := range listed {
		if f.ExpTime == majority {
			keep = append(keep, f.Name)
		}
	}
	if err := frames.WriteList(dir, list, keep); err != nil {
		return err
	}

	logger.Warn().
		Str(log.FieldEvent, "checkdata.exptime.rewritten").
		Str(log.FieldPath, src).
		Float64(log.FieldExpTime, majority).
		Int("kept", len(keep)).
		Msg("list rewritten to majority exposure time")

	if len(keep) < min {
		metrics.IncCheckFailure("too_few_files")
		rep.addProblem("too_few_files", dir, list, fmt.Sprintf("only %d files after exposure time filter", len(keep)))
	}
	return nil
}
