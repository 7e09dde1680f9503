// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netplumb_circuit_breaker_state",
		Help: "Circuit breaker state by peer (1 for the active state, 0 otherwise)",
	}, []string{"peer", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"peer", "reason"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a peer.
func SetCircuitBreakerState(peer, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(peer, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(peer, reason string) {
	circuitBreakerTrips.WithLabelValues(peer, reason).Inc()
}

// ForgetCircuitBreaker removes the series of a peer that left.
func ForgetCircuitBreaker(peer string) {
	for _, s := range circuitStates {
		circuitBreakerState.DeleteLabelValues(peer, s)
	}
}
