// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldRunID     = "run_id"
	FieldObsDir    = "obs_dir"
	FieldTarget    = "target"

	// Pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldStep      = "step"
	FieldTask      = "task"

	// Frame fields
	FieldFrame   = "frame"
	FieldObsType = "obstype"
	FieldConfig  = "config"
	FieldExpTime = "exptime"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath    = "path"
	FieldRawDir  = "raw_dir"
	FieldDataDir = "data_dir"
)
