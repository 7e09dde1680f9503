// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package event defines the message unit routed between the API layer, the
// commander and plugins, together with its wire codec.
package event

import (
	"time"
)

// Event is one routed message. ID is assigned at creation and never changes,
// retries included. RefID links the event to the event that caused it.
type Event struct {
	ID         ID
	RefID      ID
	State      State
	Source     Address
	Receiver   Address
	PostponeMS uint32
	TimeoutMS  uint32
	Payload    Payload
}

// New creates a pending root event.
func New(src, dst Address, payload Payload) *Event {
	return &Event{
		ID:       NewID(),
		State:    StatePending,
		Source:   src,
		Receiver: dst,
		Payload:  payload,
	}
}

// Kind returns the payload kind, or "" for an event without payload.
func (e *Event) Kind() Kind {
	if e == nil || e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Reply creates a response to e, addressed back to e's source.
func (e *Event) Reply(src Address, payload Payload) *Event {
	r := New(src, e.Source, payload)
	r.RefID = e.ID
	return r
}

// ErrorReply creates an Error reply to e.
func (e *Event) ErrorReply(src Address, kind ErrorKind, msg string) *Event {
	return e.Reply(src, &Error{Code: kind, Message: msg})
}

// FollowUp creates a new event caused by e.
func (e *Event) FollowUp(src, dst Address, payload Payload) *Event {
	f := New(src, dst, payload)
	f.RefID = e.ID
	return f
}

// Retry returns a copy of e with the same ID, held back for delay.
func (e *Event) Retry(delay time.Duration) *Event {
	r := e.Clone()
	r.PostponeMS = durationToMS(delay)
	return r
}

// Postpone returns the postponement as a duration.
func (e *Event) Postpone() time.Duration {
	return time.Duration(e.PostponeMS) * time.Millisecond
}

// Timeout returns the timeout hint as a duration; zero means unset.
func (e *Event) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// Clone returns a shallow copy of the envelope. Payloads are treated as
// immutable once sent, so they are shared.
func (e *Event) Clone() *Event {
	c := *e
	return &c
}

func durationToMS(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

// DurationToMS converts d to the millisecond fields used on the wire,
// rounding sub-millisecond positive durations up to 1ms.
func DurationToMS(d time.Duration) uint32 {
	return durationToMS(d)
}
