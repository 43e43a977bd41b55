// SPDX-License-Identifier: MIT

// Package toolchain runs the external spectroscopy tasks (nsprepare,
// nsreduce, nsflat, ...) through a launcher binary, with process-group
// supervision and bounded start rates.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/gemini-dr/gnirspipe/internal/log"
	"github.com/gemini-dr/gnirspipe/internal/metrics"
	"github.com/gemini-dr/gnirspipe/internal/procgroup"
)

// stderrTailLines is how much task output a TaskError carries.
const stderrTailLines = 20

// Task is one launcher invocation: `<launcher> <name> key=value ...`
// executed in Dir.
type Task struct {
	Name string
	Dir  string
	Args map[string]string
}

// argv renders the parameters deterministically.
func (t Task) argv() []string {
	keys := make([]string, 0, len(t.Args))
	for k := range t.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys)+1)
	out = append(out, t.Name)
	for _, k := range keys {
		out = append(out, k+"="+t.Args[k])
	}
	return out
}

// TaskError reports a task that started but did not exit cleanly.
type TaskError struct {
	Task     string
	ExitCode int
	Reason   string // exit, timeout, canceled
	Stderr   []string
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("toolchain: %s failed (%s, exit %d)", e.Task, e.Reason, e.ExitCode)
	if len(e.Stderr) > 0 {
		msg += ": " + e.Stderr[len(e.Stderr)-1]
	}
	return msg
}

// Result describes a finished task.
type Result struct {
	Task     string
	Duration time.Duration
}

// Runner executes tasks sequentially with a per-task timeout and a
// start-rate limit so a runaway retry loop cannot fork-bomb the host.
type Runner struct {
	LauncherPath string
	Timeout      time.Duration
	KillGrace    time.Duration
	limiter      *rate.Limiter
}

// NewRunner builds a Runner. startsPerSec <= 0 disables throttling.
func NewRunner(launcherPath string, timeout, killGrace time.Duration, startsPerSec float64) *Runner {
	r := &Runner{
		LauncherPath: launcherPath,
		Timeout:      timeout,
		KillGrace:    killGrace,
	}
	if startsPerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(startsPerSec), 1)
	}
	return r
}

// Run executes one task to completion.
func (r *Runner) Run(ctx context.Context, task Task) (*Result, error) {
	logger := log.WithComponentFromContext(ctx, "toolchain")

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("toolchain: %w", err)
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	ring := newLineRing(256)
	cmd := exec.Command(r.LauncherPath, task.argv()...)
	cmd.Dir = task.Dir
	cmd.Stdout = ring
	cmd.Stderr = ring
	procgroup.Set(cmd)

	logger.Debug().
		Str(log.FieldEvent, "toolchain.task.start").
		Str(log.FieldTask, task.Name).
		Str(log.FieldPath, task.Dir).
		Strs("argv", task.argv()).
		Msg("starting task")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.IncTaskStart("error")
		return nil, fmt.Errorf("toolchain: start %s: %w", task.Name, err)
	}
	metrics.IncTaskStart("ok")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	reason := "exit"
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		reason = "timeout"
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = "canceled"
		}
		r.reap(cmd, done)
		waitErr = runCtx.Err()
	}
	elapsed := time.Since(start)
	metrics.ObserveTask(task.Name, elapsed.Seconds())

	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		metrics.IncTaskExit(task.Name, reason)
		terr := &TaskError{
			Task:     task.Name,
			ExitCode: code,
			Reason:   reason,
			Stderr:   ring.LastN(stderrTailLines),
		}
		logger.Error().
			Str(log.FieldEvent, "toolchain.task.failed").
			Str(log.FieldTask, task.Name).
			Str("reason", reason).
			Int("exit_code", code).
			Dur("elapsed", elapsed).
			Str("stderr_tail", strings.Join(terr.Stderr, " | ")).
			Msg("task failed")
		return nil, terr
	}

	metrics.IncTaskExit(task.Name, "ok")
	logger.Info().
		Str(log.FieldEvent, "toolchain.task.done").
		Str(log.FieldTask, task.Name).
		Dur("elapsed", elapsed).
		Msg("task finished")
	return &Result{Task: task.Name, Duration: elapsed}, nil
}

// RunAll executes tasks in order, stopping at the first failure.
func (r *Runner) RunAll(ctx context.Context, tasks []Task) error {
	for _, t := range tasks {
		if _, err := r.Run(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// reap terminates the task's process group: SIGTERM, then SIGKILL after
// the grace period.
func (r *Runner) reap(cmd *exec.Cmd, done <-chan error) {
	_ = procgroup.Signal(cmd, syscall.SIGTERM)

	grace := r.KillGrace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	_ = procgroup.Signal(cmd, syscall.SIGKILL)
	<-done
}
