// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"time"

	"github.com/ManuGH/netplumb/internal/ratelimit"
	"github.com/ManuGH/netplumb/internal/transport"
)

// Config tunes the session manager.
type Config struct {
	// RequestTimeout applies to requests that carry no timeout of their own.
	RequestTimeout time.Duration
	// SweepInterval is how often expired requests are looked for.
	SweepInterval time.Duration
	// SendTimeout bounds every write towards a client or the switch.
	SendTimeout time.Duration
	// Tombstones is the number of finished request ids remembered so that
	// late replies can be told apart from unknown ones.
	Tombstones int
	// WriteQueue is the number of replies buffered per client before the
	// client is considered stuck and disconnected.
	WriteQueue int
	MaxFrame   int
	RateLimit  ratelimit.Config
}

// DefaultConfig returns the settings used by netplumbd.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		SweepInterval:  250 * time.Millisecond,
		SendTimeout:    2 * time.Second,
		Tombstones:     4096,
		WriteQueue:     64,
		MaxFrame:       transport.MaxFrameSize,
		RateLimit:      ratelimit.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.Tombstones <= 0 {
		c.Tombstones = d.Tombstones
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = d.WriteQueue
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = d.MaxFrame
	}
	return c
}
