// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	RunIDKey      = "run.id"
	RunTriggerKey = "run.trigger"
	RunStateKey   = "run.state"

	ObsDirKey   = "obs.dir"
	StepNameKey = "step.name"
	TaskNameKey = "task.name"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// RunAttributes creates reduction-run span attributes.
func RunAttributes(runID, trigger, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RunIDKey, runID),
		attribute.String(RunTriggerKey, trigger),
		attribute.String(RunStateKey, state),
	}
}

// StepAttributes creates per-directory step span attributes.
func StepAttributes(obsDir, step string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ObsDirKey, obsDir),
		attribute.String(StepNameKey, step),
	}
}

// ErrorAttributes creates error span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
