// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gnirspipe_http_requests_total",
		Help: "HTTP requests by method, path and status code",
	}, []string{"method", "path", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gnirspipe_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// ObserveHTTPRequest records a completed HTTP request.
func ObserveHTTPRequest(method, path, code string, seconds float64) {
	httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
