// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package audit provides structured audit logging for privileged operations.
// It follows the WHO/WHAT/WHEN pattern: client sessions, requests that change
// network state, log level changes, shutdown and configuration reloads.
package audit

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Configuration events
	EventConfigReload EventType = "config.reload"

	// Session events
	EventSessionOpen  EventType = "session.open"
	EventSessionClose EventType = "session.close"

	// Request events
	EventRequest EventType = "request"

	// Daemon control events
	EventLogLevel EventType = "daemon.log_level"
	EventQuit     EventType = "daemon.quit"
)

// mutating lists the request kinds that change state and are therefore
// audited. Queries are not.
var mutating = map[event.Kind]bool{
	event.KindApplyState:     true,
	event.KindConnectionAdd:  true,
	event.KindMonitorRule:    true,
	event.KindChangeLogLevel: true,
	event.KindQuit:           true,
	event.KindCancel:         true,
}

// Event represents a structured audit event.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Actor     string            `json:"actor"`             // WHO: session or "system"
	Action    string            `json:"action"`            // WHAT: human-readable action description
	Resource  string            `json:"resource"`          // Receiver or config file affected
	Result    string            `json:"result"`            // success, failure, accepted
	RequestID string            `json:"request_id"`        // Correlation ID
	Details   map[string]string `json:"details,omitempty"` // Additional context
}

// Logger provides audit logging functionality.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger with a dedicated "audit" component.
func NewLogger() *Logger {
	return NewLoggerWith(log.WithComponent("audit"))
}

// NewLoggerWith builds an audit logger on top of base.
func NewLoggerWith(base zerolog.Logger) *Logger {
	return &Logger{logger: base.With().Str("log_type", "audit").Logger()}
}

// Log writes an audit event to the audit log.
func (l *Logger) Log(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", e.Timestamp).
		Str("event_type", string(e.Type)).
		Str("actor", e.Actor).
		Str("action", e.Action).
		Str("resource", e.Resource).
		Str("result", e.Result)

	if e.RequestID != "" {
		logEvent.Str("request_id", e.RequestID)
	}
	// Add details as flattened fields
	for key, value := range e.Details {
		logEvent.Str(key, value)
	}
	logEvent.Msg("audit event")
}

func sessionActor(id uint64) string {
	return "session:" + strconv.FormatUint(id, 10)
}

// SessionOpened logs a client connecting to the API socket.
func (l *Logger) SessionOpened(session uint64, remote string) {
	details := map[string]string{}
	if remote != "" {
		details["remote"] = remote
	}
	l.Log(Event{
		Type:     EventSessionOpen,
		Actor:    sessionActor(session),
		Action:   "opened session",
		Resource: "api",
		Result:   "success",
		Details:  details,
	})
}

// SessionClosed logs a client disconnect and how many of its requests
// were cancelled by it.
func (l *Logger) SessionClosed(session uint64, cancelled int) {
	l.Log(Event{
		Type:     EventSessionClose,
		Actor:    sessionActor(session),
		Action:   "closed session",
		Resource: "api",
		Result:   "success",
		Details:  map[string]string{"cancelled": strconv.Itoa(cancelled)},
	})
}

// Request logs a client request that changes state.
func (l *Logger) Request(session uint64, ev *event.Event) {
	if !mutating[ev.Kind()] {
		return
	}
	details := map[string]string{"kind": string(ev.Kind())}
	if !ev.RefID.IsZero() {
		details["ref_id"] = ev.RefID.String()
	}
	l.Log(Event{
		Type:      EventRequest,
		Actor:     sessionActor(session),
		Action:    "requested " + string(ev.Kind()),
		Resource:  ev.Receiver.String(),
		Result:    "accepted",
		RequestID: ev.ID.String(),
		Details:   details,
	})
}

// LogLevelChanged logs a runtime log level change.
func (l *Logger) LogLevelChanged(actor, from, to string) {
	l.Log(Event{
		Type:     EventLogLevel,
		Actor:    actor,
		Action:   "changed log level",
		Resource: "daemon",
		Result:   "success",
		Details:  map[string]string{"old": from, "new": to},
	})
}

// Quit logs a shutdown request.
func (l *Logger) Quit(actor string) {
	l.Log(Event{
		Type:     EventQuit,
		Actor:    actor,
		Action:   "requested shutdown",
		Resource: "daemon",
		Result:   "accepted",
	})
}

// ConfigReload logs a configuration reload event.
func (l *Logger) ConfigReload(actor, result string, details map[string]string) {
	l.Log(Event{
		Type:     EventConfigReload,
		Actor:    actor,
		Action:   "reloaded configuration",
		Resource: "config",
		Result:   result,
		Details:  details,
	})
}
