// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package router

import (
	"time"

	"github.com/ManuGH/netplumb/internal/event"
)

// Config bounds the router's per-peer resources.
type Config struct {
	// SendTimeout bounds a single hand-off to a peer's transport.
	SendTimeout time.Duration
	// QueueSize is the per-peer outbound FIFO capacity.
	QueueSize int
	// DegradeThreshold is the number of consecutive delivery failures after
	// which a peer is marked degraded.
	DegradeThreshold int
	// DegradeCooldown is how long a degraded peer is skipped before a probe.
	DegradeCooldown time.Duration
	// InflightLimit caps remembered unanswered events per plugin peer.
	InflightLimit int
	// InflightTTL is how long an unanswered event is remembered.
	InflightTTL time.Duration
	// CausalWindow is the number of id -> ref links checked for cycles.
	CausalWindow int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SendTimeout:      2 * time.Second,
		QueueSize:        1024,
		DegradeThreshold: 3,
		DegradeCooldown:  10 * time.Second,
		InflightLimit:    4096,
		InflightTTL:      time.Minute,
		CausalWindow:     event.DefaultCausalWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.DegradeThreshold <= 0 {
		c.DegradeThreshold = d.DegradeThreshold
	}
	if c.DegradeCooldown <= 0 {
		c.DegradeCooldown = d.DegradeCooldown
	}
	if c.InflightLimit <= 0 {
		c.InflightLimit = d.InflightLimit
	}
	if c.InflightTTL <= 0 {
		c.InflightTTL = d.InflightTTL
	}
	if c.CausalWindow <= 0 {
		c.CausalWindow = d.CausalWindow
	}
	return c
}
