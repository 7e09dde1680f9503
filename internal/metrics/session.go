// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplumb_api_sessions",
		Help: "Open client connections",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netplumb_api_sessions_total",
		Help: "Client connections accepted since start",
	})

	pendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplumb_api_pending_requests",
		Help: "Client requests awaiting a reply",
	})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_api_requests_total",
		Help: "Client requests by outcome",
	}, []string{"outcome"})

	LateRepliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netplumb_api_late_replies_total",
		Help: "Replies discarded because their session or request was gone",
	})
)

// SetSessions records the number of open client connections.
func SetSessions(n int) {
	sessionsActive.Set(float64(n))
}

// IncSessionsAccepted records a new client connection.
func IncSessionsAccepted() {
	SessionsTotal.Inc()
}

// SetPendingRequests records the size of the correlation table.
func SetPendingRequests(n int) {
	pendingRequests.Set(float64(n))
}

// IncRequest records a request outcome: accepted, replied, expired,
// cancelled, rejected, rate_limited.
func IncRequest(outcome string) {
	RequestsTotal.WithLabelValues(orUnknown(outcome)).Inc()
}

// IncLateReply records a discarded late reply.
func IncLateReply() {
	LateRepliesTotal.Inc()
}
