// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"errors"
	"fmt"

	"github.com/ManuGH/netplumb/internal/event"
)

// Kind classifies transport failures.
type Kind uint8

const (
	KindClosed Kind = iota + 1
	KindTimeout
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindClosed:
		return "closed"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// EventKind maps the transport failure to the error kind carried in events.
func (k Kind) EventKind() event.ErrorKind {
	switch k {
	case KindClosed:
		return event.ErrKindClosed
	case KindTimeout:
		return event.ErrKindTimeout
	default:
		return event.ErrKindMalformed
	}
}

// Error is returned by every Adapter operation that fails.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrClosed    = &Error{Kind: KindClosed}
	ErrTimeout   = &Error{Kind: KindTimeout}
	ErrMalformed = &Error{Kind: KindMalformed}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = "transport " + e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the transport Kind from err, or 0 when err is not a
// transport error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

func errorf(op string, kind Kind, format string, args ...any) *Error {
	return newError(op, kind, fmt.Errorf(format, args...))
}
