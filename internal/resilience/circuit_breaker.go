// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resilience tracks the health of router peers.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/netplumb/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker marks a peer degraded after consecutive delivery failures.
// While open, Allow refuses work until resetTimeout has passed; then a single
// probe is let through (half-open) and its outcome closes or re-opens the
// breaker.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool
	clock        Clock
	onTransition func(from, to State)
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

func WithClock(c Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithOnTransition registers a callback run (under the breaker lock) on
// every state change. It must not call back into the breaker.
func WithOnTransition(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

// NewCircuitBreaker creates a closed breaker for the named peer.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:         name,
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}

	metrics.SetCircuitBreakerState(cb.name, string(cb.state))
	return cb
}

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.Failure("error")
		return err
	}
	cb.Success()
	return nil
}

// Allow reports whether work may be attempted now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.transitionTo(StateHalfOpen)
		cb.probing = true
		return true
	default:
		// Half-open admits one probe at a time.
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

// Failure records a failed attempt. reason labels the trip metric.
func (cb *CircuitBreaker) Failure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case StateHalfOpen:
		cb.probing = false
		metrics.RecordCircuitBreakerTrip(cb.name, "half_open_failure")
		cb.transitionTo(StateOpen)
	case StateClosed:
		if cb.failures >= cb.threshold {
			metrics.RecordCircuitBreakerTrip(cb.name, reason)
			cb.transitionTo(StateOpen)
		}
	}
}

// Success records a successful attempt and closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.transitionTo(StateClosed)
	}
}

// transitionTo changes state. Caller must hold lock.
func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	if next == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	metrics.SetCircuitBreakerState(cb.name, string(next))
	if cb.onTransition != nil {
		cb.onTransition(prev, next)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Degraded reports whether the breaker is not closed.
func (cb *CircuitBreaker) Degraded() bool {
	return cb.State() != StateClosed
}
