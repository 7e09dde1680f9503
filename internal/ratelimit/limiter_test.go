// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionBurstIsEnforcedPerSession(t *testing.T) {
	l := New(Config{SessionRate: 0.001, SessionBurst: 2})

	assert.True(t, l.Allow(1))
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(1), "burst exhausted")
	assert.True(t, l.Allow(2), "other sessions unaffected")

	l.Forget(1)
	assert.Equal(t, 1, l.Sessions())
	assert.True(t, l.Allow(1), "fresh bucket after forget")
}

func TestGlobalLimitAppliesAcrossSessions(t *testing.T) {
	l := New(Config{GlobalRate: 0.001, GlobalBurst: 1})
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(2))
}

func TestZeroRatesDisableLimits(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow(7))
	}
	assert.Zero(t, l.Sessions())
}
