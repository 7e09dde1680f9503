// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned by Unmarshal for undecodable input.
	ErrMalformed = errors.New("malformed event")
	// ErrCausalCycle is returned when an event's ref chain loops back to itself.
	ErrCausalCycle = errors.New("causal cycle")
	// ErrInvalidTransition is returned for an illegal lifecycle step.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ErrorKind classifies an error carried in an Error payload.
type ErrorKind string

const (
	// Transport
	ErrKindClosed    ErrorKind = "closed"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindMalformed ErrorKind = "malformed"

	// Routing
	ErrKindUnknownReceiver ErrorKind = "unknown_receiver"
	ErrKindPeerUnavailable ErrorKind = "peer_unavailable"

	// Task
	ErrKindFailed           ErrorKind = "failed"
	ErrKindRetriesExhausted ErrorKind = "retries_exhausted"
	ErrKindDeadlineExceeded ErrorKind = "deadline_exceeded"

	ErrKindInvalidArgument ErrorKind = "invalid_argument"
	ErrKindRateLimited     ErrorKind = "rate_limited"
	ErrKindCancelled       ErrorKind = "cancelled"
)

// RemoteError is the Go form of an Error payload received from a peer.
type RemoteError struct {
	Kind    ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Err returns the payload error of an error event, or nil.
func (e *Event) Err() error {
	p, ok := e.Payload.(*Error)
	if !ok {
		return nil
	}
	return &RemoteError{Kind: p.Code, Message: p.Message}
}

// IsError reports whether the event carries an Error payload.
func (e *Event) IsError() bool {
	_, ok := e.Payload.(*Error)
	return ok
}
