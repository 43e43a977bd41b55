// SPDX-License-Identifier: MIT

// Package jobs orchestrates full reduction runs: sorting raw frames,
// verifying the observation tree, and driving every science directory
// through calibration, reduction, extraction, flux calibration and
// reporting.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/gemini-dr/gnirspipe/internal/calibrate"
	"github.com/gemini-dr/gnirspipe/internal/checkdata"
	"github.com/gemini-dr/gnirspipe/internal/config"
	"github.com/gemini-dr/gnirspipe/internal/extract"
	"github.com/gemini-dr/gnirspipe/internal/fluxcal"
	"github.com/gemini-dr/gnirspipe/internal/frames"
	"github.com/gemini-dr/gnirspipe/internal/headercache"
	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
	"github.com/gemini-dr/gnirspipe/internal/notify"
	"github.com/gemini-dr/gnirspipe/internal/reduce"
	"github.com/gemini-dr/gnirspipe/internal/report"
	"github.com/gemini-dr/gnirspipe/internal/state"
	"github.com/gemini-dr/gnirspipe/internal/telemetry"
	"github.com/gemini-dr/gnirspipe/internal/toolchain"
)

// ErrRunInProgress is returned when a reduction run is already active.
var ErrRunInProgress = errors.New("jobs: a reduction run is already in progress")

// Pipeline wires the reduction stages together for one deployment.
type Pipeline struct {
	Cfg      config.AppConfig
	Store    *state.Store
	Notifier notify.Notifier
	Cache    *headercache.Cache
	Runner   *toolchain.Runner
}

func (p *Pipeline) notifier() notify.Notifier {
	if p.Notifier == nil {
		return notify.Nop{}
	}
	return p.Notifier
}

// Reduce runs a full reduction synchronously and returns the finished run
// record.
func (p *Pipeline) Reduce(ctx context.Context, trigger string) (*state.Run, error) {
	run, err := p.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	p.finish(ctx, run, time.Now(), p.execute(ctx, run))
	return p.Store.GetRun(ctx, run.ID)
}

// Start begins a reduction in the background and returns the new run
// immediately. The run outlives the caller's context.
func (p *Pipeline) Start(ctx context.Context, trigger string) (*state.Run, error) {
	run, err := p.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		p.finish(bg, run, time.Now(), p.execute(bg, run))
	}()
	return run, nil
}

func (p *Pipeline) begin(ctx context.Context, trigger string) (*state.Run, error) {
	active, err := p.Store.ActiveRun(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: run %s", ErrRunInProgress, active.ID)
	}
	run, err := p.Store.CreateRun(ctx, trigger)
	if err != nil {
		return nil, err
	}
	_ = p.notifier().Publish(ctx, notify.Event{Type: notify.EventRunStarted, RunID: run.ID})
	logger := log.WithComponentFromContext(ctx, "jobs")
	logger.Info().
		Str(log.FieldEvent, "run.started").
		Str(log.FieldRunID, run.ID).
		Str("trigger", trigger).
		Msg("reduction run started")
	return run, nil
}

func (p *Pipeline) finish(ctx context.Context, run *state.Run, started time.Time, runErr error) {
	final := state.StateSucceeded
	errMsg := ""
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		final = state.StateCanceled
		errMsg = runErr.Error()
	case runErr != nil:
		final = state.StateFailed
		errMsg = runErr.Error()
	}
	if err := p.Store.FinishRun(ctx, run.ID, final, errMsg); err != nil {
		logger := log.WithComponentFromContext(ctx, "jobs")
		logger.Error().
			Err(err).
			Str(log.FieldRunID, run.ID).
			Msg("failed to persist run outcome")
	}
	metrics.IncRun(string(final))
	metrics.ObserveRunDuration(time.Since(started).Seconds())
	_ = p.notifier().Publish(ctx, notify.Event{
		Type:  notify.EventRunFinished,
		RunID: run.ID,
		State: string(final),
		Error: errMsg,
	})
	doneLogger := log.WithComponentFromContext(ctx, "jobs")
	doneLogger.Info().
		Str(log.FieldEvent, "run.finished").
		Str(log.FieldRunID, run.ID).
		Str(log.FieldNewState, string(final)).
		Msg("reduction run finished")
}

// plan binds a science directory to the calibration and telluric
// directories its headers matched.
type plan struct {
	sci string
	cal string
	tel string
}

func (p *Pipeline) execute(ctx context.Context, run *state.Run) error {
	logger := log.WithComponentFromContext(ctx, "jobs")

	ctx, span := telemetry.Tracer("gnirspipe/jobs").Start(ctx, "reduction run")
	span.SetAttributes(telemetry.RunAttributes(run.ID, run.Trigger, string(run.State))...)
	defer span.End()

	if p.Cfg.RawDir != "" {
		sorter := &frames.Sorter{RawDir: p.Cfg.RawDir, DataDir: p.Cfg.DataDir, Cache: p.Cache}
		res, err := p.runStep(ctx, run.ID, p.Cfg.RawDir, "sort", func(ctx context.Context) (any, error) {
			return sorter.Sort(ctx)
		})
		if err != nil {
			return err
		}
		sorted := res.(*frames.Result)
		_ = p.notifier().Publish(ctx, notify.Event{Type: notify.EventSortDone, RunID: run.ID})
		logger.Info().
			Str(log.FieldEvent, "sort.done").
			Int("science_dirs", len(sorted.ScienceDirs)).
			Int("skipped", len(sorted.Skipped)).
			Msg("raw frames sorted")
	}

	sciDirs, telDirs, calDirs, err := Discover(p.Cfg.DataDir)
	if err != nil {
		return err
	}
	sciDirs = filterEnabled(sciDirs, p.Cfg.ScienceDirs, p.Cfg.DataDir)
	telDirs = filterEnabled(telDirs, p.Cfg.TelluricDirs, p.Cfg.DataDir)
	calDirs = filterEnabled(calDirs, p.Cfg.CalibrationDirs, p.Cfg.DataDir)
	if len(sciDirs) == 0 {
		logger.Warn().
			Str(log.FieldEvent, "run.empty").
			Str(log.FieldDataDir, p.Cfg.DataDir).
			Msg("no science directories to reduce")
		return nil
	}
	if err := p.Store.SetProgress(ctx, run.ID, 0, len(sciDirs)); err != nil {
		return err
	}

	var dirErrs []error

	// Verify every science directory and resolve its calibration and
	// telluric matches before any toolchain work starts.
	checker := &checkdata.Checker{Cache: p.Cache}
	var plans []plan
	for _, sci := range sciDirs {
		rep, err := p.runStep(ctx, run.ID, sci, "check", func(ctx context.Context) (any, error) {
			return checker.Check(ctx, sci, calDirs, telDirs)
		})
		if err != nil {
			dirErrs = append(dirErrs, fmt.Errorf("%s: %w", sci, err))
			continue
		}
		crep := rep.(*checkdata.Report)
		plans = append(plans, plan{sci: sci, cal: crep.CalibrationDir, tel: crep.TelluricDir})
	}

	stageErrs := make(map[string]error)
	var mu sync.Mutex

	// Calibrate each matched calibration directory once.
	calibrator := &calibrate.Calibrator{
		Runner:        p.Runner,
		Files:         p.Cfg.Filenames,
		Cache:         p.Cache,
		Overwrite:     p.Cfg.Overwrite,
		CleanQHFlats:  p.Cfg.CleanQHFlats,
		CleanIRFlats:  p.Cfg.CleanIRFlats,
		CleanArcs:     p.Cfg.CleanArcs,
		CleanPinholes: p.Cfg.CleanPinholes,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Cfg.MaxParallelDirs)
	for _, dir := range uniqueDirs(plans, func(pl plan) string { return pl.cal }) {
		g.Go(func() error {
			_, err := p.runStep(gctx, run.ID, dir, "calibrate", func(ctx context.Context) (any, error) {
				return calibrator.Run(ctx, dir, p.Cfg.StartStep, p.Cfg.StopStep)
			})
			mu.Lock()
			stageErrs[dir] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Reduce and extract each matched telluric once; the science
	// extraction needs the telluric apertures for the peak cross-check.
	telCal := make(map[string]string)
	for _, pl := range plans {
		if pl.tel != "" {
			telCal[pl.tel] = pl.cal
		}
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(p.Cfg.MaxParallelDirs)
	for _, dir := range uniqueDirs(plans, func(pl plan) string { return pl.tel }) {
		cal := telCal[dir]
		g.Go(func() error {
			mu.Lock()
			if stageErrs[cal] != nil {
				stageErrs[dir] = fmt.Errorf("calibrations not ready: %w", stageErrs[cal])
				mu.Unlock()
				return nil
			}
			mu.Unlock()

			err := p.reduceDir(gctx, run.ID, dir, cal, "")
			mu.Lock()
			stageErrs[dir] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	fluxCalibrator := &fluxcal.Calibrator{
		Files:     p.Cfg.Filenames,
		Overwrite: p.Cfg.Overwrite,
		Standard: fluxcal.Standard{
			Temperature: p.Cfg.FluxCalibration.Temperature,
			Magnitudes:  p.Cfg.FluxCalibration.Magnitudes,
		},
		ZeroMagFluxes: p.Cfg.FluxCalibration.ZeroMagnitudeFluxes,
	}
	reporter := &report.Generator{Files: p.Cfg.Filenames, Version: p.Cfg.Version}

	var done int
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(p.Cfg.MaxParallelDirs)
	for _, pl := range plans {
		g.Go(func() error {
			_ = p.notifier().Publish(gctx, notify.Event{Type: notify.EventDirStarted, RunID: run.ID, ObsDir: pl.sci})
			err := p.scienceDir(gctx, run.ID, pl, stageErrs, &mu, fluxCalibrator, reporter)
			if err != nil {
				mu.Lock()
				dirErrs = append(dirErrs, fmt.Errorf("%s: %w", pl.sci, err))
				mu.Unlock()
			}
			mu.Lock()
			done++
			n := done
			mu.Unlock()
			_ = p.Store.SetProgress(gctx, run.ID, n, len(sciDirs))
			ev := notify.Event{Type: notify.EventDirFinished, RunID: run.ID, ObsDir: pl.sci, State: string(state.StateSucceeded)}
			if err != nil {
				ev.State = string(state.StateFailed)
				ev.Error = err.Error()
			}
			_ = p.notifier().Publish(gctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(dirErrs...)
}

// scienceDir runs the per-science stages, honouring upstream failures of
// the shared calibration and telluric directories.
func (p *Pipeline) scienceDir(ctx context.Context, runID string, pl plan, stageErrs map[string]error, mu *sync.Mutex,
	fc *fluxcal.Calibrator, rg *report.Generator) error {

	mu.Lock()
	calErr := stageErrs[pl.cal]
	telErr := stageErrs[pl.tel]
	mu.Unlock()
	if calErr != nil {
		return fmt.Errorf("calibrations not ready: %w", calErr)
	}
	if telErr != nil {
		return fmt.Errorf("telluric not ready: %w", telErr)
	}

	if err := p.reduceDir(ctx, runID, pl.sci, pl.cal, pl.tel); err != nil {
		return err
	}

	if p.Cfg.FluxCalibration.Enabled && pl.tel != "" {
		if _, err := p.runStep(ctx, runID, pl.sci, "fluxcal", func(ctx context.Context) (any, error) {
			return fc.Run(ctx, pl.sci, pl.tel)
		}); err != nil {
			return err
		}
	}

	if pl.tel != "" {
		if _, err := p.runStep(ctx, runID, pl.sci, "report", func(ctx context.Context) (any, error) {
			r, _, err := rg.Write(ctx, pl.sci, pl.tel)
			return r, err
		}); err != nil {
			return err
		}
	}
	return nil
}

// reduceDir runs reduction and extraction for one observation directory.
func (p *Pipeline) reduceDir(ctx context.Context, runID, dir, calDir, telDir string) error {
	reducer := &reduce.Reducer{
		Runner:     p.Runner,
		Files:      p.Cfg.Filenames,
		Cache:      p.Cache,
		Overwrite:  p.Cfg.Overwrite,
		CombineSky: p.Cfg.CombineSky,
	}
	if _, err := p.runStep(ctx, runID, dir, "reduce", func(ctx context.Context) (any, error) {
		return reducer.Run(ctx, dir, calDir)
	}); err != nil {
		return err
	}
	extractor := &extract.Extractor{
		Runner:          p.Runner,
		Files:           p.Cfg.Filenames,
		Cache:           p.Cache,
		Overwrite:       p.Cfg.Overwrite,
		UseApall:        p.Cfg.UseApall,
		ApertureRadius:  p.Cfg.ApertureRadius,
		CheckPeaksMatch: p.Cfg.CheckPeaksMatch,
		ToleranceOffset: p.Cfg.ToleranceOffset,
		FullSlit:        p.Cfg.ExtractFullSlit,
		Stepwise:        p.Cfg.ExtractStepwise,
		StepSize:        p.Cfg.ExtractStepSize,
		CalculateSNR:    p.Cfg.CalculateSNR,
	}
	if _, err := p.runStep(ctx, runID, dir, "extract", func(ctx context.Context) (any, error) {
		return extractor.Run(ctx, dir, telDir)
	}); err != nil {
		return err
	}
	return nil
}

// runStep wraps one pipeline stage with run-state bookkeeping.
func (p *Pipeline) runStep(ctx context.Context, runID, dir, name string, fn func(context.Context) (any, error)) (any, error) {
	if err := p.Store.StartStep(ctx, runID, dir, name); err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer("gnirspipe/jobs").Start(ctx, "step "+name)
	span.SetAttributes(telemetry.StepAttributes(dir, name)...)
	span.SetAttributes(attribute.String(telemetry.RunIDKey, runID))
	defer span.End()

	res, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	final := state.StateSucceeded
	errMsg := ""
	if err != nil {
		final = state.StateFailed
		errMsg = err.Error()
	}
	if serr := p.Store.FinishStep(ctx, runID, dir, name, final, errMsg); serr != nil {
		logger := log.WithComponentFromContext(ctx, "jobs")
		logger.Error().
			Err(serr).
			Str(log.FieldRunID, runID).
			Str(log.FieldStep, name).
			Msg("failed to persist step outcome")
	}
	return res, err
}

// uniqueDirs returns the distinct non-empty directories selected from
// plans, preserving order.
func uniqueDirs(plans []plan, sel func(plan) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, pl := range plans {
		d := sel(pl)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
