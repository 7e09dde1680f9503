// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package log provides structured logging utilities.
package log

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	eventIDKey   ctxKey = "event_id"
	refIDKey     ctxKey = "ref_id"
	sessionIDKey ctxKey = "session_id"
	requestIDKey ctxKey = "request_id"
)

// ContextWithEventID stores the id of the event being handled in the context.
func ContextWithEventID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, eventIDKey, id)
}

// ContextWithRefID stores the causal parent id of the event being handled.
func ContextWithRefID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, refIDKey, id)
}

// ContextWithSessionID stores the API session id in the context.
func ContextWithSessionID(ctx context.Context, id uint64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionIDKey, id)
}

// ContextWithRequestID stores the ops HTTP request id in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the ops HTTP request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// EventIDFromContext extracts the event ID from context if present.
func EventIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(eventIDKey).(string); ok {
		return v
	}
	return ""
}

// RefIDFromContext extracts the causal parent ID from context if present.
func RefIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(refIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the session id. ok is false when unset.
func SessionIDFromContext(ctx context.Context) (uint64, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(sessionIDKey).(uint64)
	return v, ok
}

// WithContext enriches the supplied logger with correlation fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if id := EventIDFromContext(ctx); id != "" {
		builder = builder.Str(FieldEventID, id)
		added = true
	}
	if id := RefIDFromContext(ctx); id != "" {
		builder = builder.Str(FieldRefID, id)
		added = true
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		builder = builder.Str(FieldRequestID, rid)
		added = true
	}
	if sid, ok := SessionIDFromContext(ctx); ok {
		builder = builder.Str(FieldSessionID, strconv.FormatUint(sid, 10))
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a logger that is annotated with the component
// name and enriched with correlation fields from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	return WithContext(ctx, WithComponent(component))
}
