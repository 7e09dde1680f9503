// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/ManuGH/netplumb/internal/event"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	// Event attributes
	EventIDKey       = "event.id"
	EventRefIDKey    = "event.ref_id"
	EventKindKey     = "event.kind"
	EventSourceKey   = "event.src"
	EventReceiverKey = "event.receiver"
	EventPostponeKey = "event.postpone_ms"

	// Routing attributes
	RouterTargetsKey = "router.targets"

	// Workflow attributes
	WorkflowNameKey    = "workflow.name"
	WorkflowStagesKey  = "workflow.stages"
	WorkflowOutcomeKey = "workflow.outcome"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// EventAttributes describes ev on a span. The ref id is only set for replies.
func EventAttributes(ev *event.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(EventIDKey, ev.ID.String()),
		attribute.String(EventKindKey, string(ev.Kind())),
		attribute.String(EventSourceKey, ev.Source.String()),
		attribute.String(EventReceiverKey, ev.Receiver.String()),
	}
	if !ev.RefID.IsZero() {
		attrs = append(attrs, attribute.String(EventRefIDKey, ev.RefID.String()))
	}
	return attrs
}

// WorkflowAttributes creates workflow-related span attributes.
func WorkflowAttributes(name string, stages int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(WorkflowNameKey, name),
		attribute.Int(WorkflowStagesKey, stages),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
