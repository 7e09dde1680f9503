// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestCircuitBreakerStateIsOneHot(t *testing.T) {
	SetCircuitBreakerState("kernel", "open")
	assert.Equal(t, 1.0, gaugeValue(t, circuitBreakerState.WithLabelValues("kernel", "open")))
	assert.Equal(t, 0.0, gaugeValue(t, circuitBreakerState.WithLabelValues("kernel", "closed")))

	SetCircuitBreakerState("kernel", "closed")
	assert.Equal(t, 0.0, gaugeValue(t, circuitBreakerState.WithLabelValues("kernel", "open")))
	assert.Equal(t, 1.0, gaugeValue(t, circuitBreakerState.WithLabelValues("kernel", "closed")))
}

func TestEmptyLabelsBecomeUnknown(t *testing.T) {
	before := counterValue(t, UndeliverableTotal.WithLabelValues("unknown"))
	IncUndeliverable("")
	assert.Equal(t, before+1, counterValue(t, UndeliverableTotal.WithLabelValues("unknown")))
}

func TestPeerDegradedGauge(t *testing.T) {
	SetPeerDegraded("dhcp", true)
	assert.Equal(t, 1.0, gaugeValue(t, peerDegraded.WithLabelValues("dhcp")))
	SetPeerDegraded("dhcp", false)
	assert.Equal(t, 0.0, gaugeValue(t, peerDegraded.WithLabelValues("dhcp")))
	ForgetPeer("dhcp")
}
