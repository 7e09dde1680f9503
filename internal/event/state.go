// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

import (
	"fmt"
)

// State is the lifecycle state of an event.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCancelled  State = "cancelled"
	StateCompleted  State = "completed"
)

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateCancelled || s == StateCompleted
}

// CanTransition reports whether s -> next is a legal lifecycle step.
// Pending may only move to InProgress; InProgress may end as Completed or
// Cancelled. Staying in the same state is allowed so retries are idempotent.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	switch s {
	case StatePending:
		return next == StateInProgress
	case StateInProgress:
		return next == StateCompleted || next == StateCancelled
	}
	return false
}

func (s State) valid() bool {
	switch s {
	case StatePending, StateInProgress, StateCancelled, StateCompleted:
		return true
	}
	return false
}

// Transition moves the event to next or returns ErrInvalidTransition.
func (e *Event) Transition(next State) error {
	if !e.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, next)
	}
	e.State = next
	return nil
}
