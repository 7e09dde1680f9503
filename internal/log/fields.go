// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldEventID   = "event_id"
	FieldRefID     = "ref_id"
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldWorkflow  = "workflow"
	FieldTaskID    = "task_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldKind      = "kind"
	FieldPlugin    = "plugin"
	FieldPID       = "pid"

	// Routing fields
	FieldSource   = "src"
	FieldReceiver = "receiver"
	FieldReason   = "reason"
	FieldAttempt  = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath   = "path"
	FieldSocket = "socket"
)
