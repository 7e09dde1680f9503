// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package commander

import (
	"errors"
	"fmt"

	"github.com/ManuGH/netplumb/internal/event"
)

var (
	// ErrLinkClosed is returned by Run when the switch side goes away.
	ErrLinkClosed = errors.New("switch link closed")
	// ErrInvalidRequest is wrapped by planners rejecting an inbound event.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAttemptTimeout marks an attempt that got no reply within TaskTimeout.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// TaskError describes why one task of a workflow gave up.
type TaskError struct {
	Workflow string
	Kind     event.Kind
	Receiver event.Address
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: task %s to %s failed after %d attempt(s): %v",
		e.Workflow, e.Kind, e.Receiver, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
