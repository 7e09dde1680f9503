// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_router_routed_total",
		Help: "Events handed to a peer queue, by receiver kind",
	}, []string{"receiver"})

	UndeliverableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_router_undeliverable_total",
		Help: "Events reported back to their sender as undeliverable, by reason",
	}, []string{"reason"})

	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_router_dropped_total",
		Help: "Events discarded by the router without a report, by reason",
	}, []string{"reason"})

	postponedDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplumb_postponed_events",
		Help: "Events currently held in the postponement queue",
	})

	peersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplumb_router_peers",
		Help: "Peers currently registered with the router",
	})

	peerDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netplumb_router_peer_degraded",
		Help: "1 when the peer is marked degraded, 0 otherwise",
	}, []string{"peer"})
)

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// IncRouted records an event queued for a peer.
func IncRouted(receiver string) {
	RoutedTotal.WithLabelValues(orUnknown(receiver)).Inc()
}

// IncUndeliverable records an error report sent in place of delivery.
func IncUndeliverable(reason string) {
	UndeliverableTotal.WithLabelValues(orUnknown(reason)).Inc()
}

// IncDropped records a silently discarded event.
func IncDropped(reason string) {
	DroppedTotal.WithLabelValues(orUnknown(reason)).Inc()
}

// SetPostponed records the postponement queue depth.
func SetPostponed(n int) {
	postponedDepth.Set(float64(n))
}

// SetPeers records the number of registered peers.
func SetPeers(n int) {
	peersConnected.Set(float64(n))
}

// SetPeerDegraded records whether a peer is degraded.
func SetPeerDegraded(peer string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	peerDegraded.WithLabelValues(peer).Set(v)
}

// ForgetPeer removes per-peer series after unregistration.
func ForgetPeer(peer string) {
	peerDegraded.DeleteLabelValues(peer)
	ForgetCircuitBreaker(peer)
}
