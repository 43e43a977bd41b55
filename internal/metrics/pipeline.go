// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sorting metrics
	framesSorted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gnirspipe_frames_sorted",
		Help: "Frames placed per class in the last sort pass",
	}, []string{"class"}) // class=science|telluric|arc|irflat|qhflat|pinhole|dark|unknown

	sortFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnirspipe_sort_failures_total",
		Help: "Total number of raw frame sort failures",
	})

	// Header cache metrics
	headerCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gnirspipe_header_cache_total",
		Help: "Header cache lookups by outcome",
	}, []string{"outcome"}) // outcome=hit|miss|error

	// Verification metrics
	checkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gnirspipe_check_failures_total",
		Help: "Pre-reduction verification failures by kind",
	}, []string{"kind"}) // kind=list_missing|header_mismatch|min_files|calibration_match|telluric_match

	// Reduction run metrics
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gnirspipe_runs_total",
		Help: "Completed reduction runs by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	runDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gnirspipe_run_duration_seconds",
		Help:    "Wall time of complete reduction runs",
		Buckets: prometheus.ExponentialBuckets(10, 2, 12),
	})

	stepDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gnirspipe_step_duration_seconds",
		Help:    "Wall time per reduction step",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"step"})

	// External toolchain metrics
	taskStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gnirspipe_task_start_total",
		Help: "External toolchain task starts by result",
	}, []string{"result"}) // result=ok|error

	taskExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gnirspipe_task_exit_total",
		Help: "External toolchain task exits by task and reason",
	}, []string{"task", "reason"}) // reason=success|error|timeout|cancelled

	taskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gnirspipe_task_duration_seconds",
		Help:    "Wall time per external toolchain task",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"task"})
)

func RecordFramesSorted(class string, n int) { framesSorted.WithLabelValues(class).Set(float64(n)) }
func IncSortFailure()                        { sortFailuresTotal.Inc() }

func IncHeaderCache(outcome string) { headerCacheTotal.WithLabelValues(outcome).Inc() }

func IncCheckFailure(kind string) { checkFailuresTotal.WithLabelValues(kind).Inc() }

func IncRun(outcome string)             { runsTotal.WithLabelValues(outcome).Inc() }
func ObserveRunDuration(sec float64)    { runDurationSeconds.Observe(sec) }
func ObserveStep(step string, sec float64) {
	stepDurationSeconds.WithLabelValues(step).Observe(sec)
}

func IncTaskStart(result string) { taskStartTotal.WithLabelValues(result).Inc() }
func IncTaskExit(task, reason string) {
	taskExitTotal.WithLabelValues(task, reason).Inc()
}
func ObserveTask(task string, sec float64) {
	taskDurationSeconds.WithLabelValues(task).Observe(sec)
}
