// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package commander

import "time"

// Config holds the retry and deadline policy applied to every workflow.
type Config struct {
	// MaxRetries is the number of re-emissions after the first attempt.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// TaskTimeout bounds one attempt; an unanswered attempt counts as failed.
	TaskTimeout time.Duration
	// WorkflowDeadline applies when the inbound event carries no timeout.
	WorkflowDeadline time.Duration
	SweepInterval    time.Duration
	SendTimeout      time.Duration
}

// DefaultConfig returns the policy used by netplumbd.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BackoffBase:      200 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		TaskTimeout:      10 * time.Second,
		WorkflowDeadline: 30 * time.Second,
		SweepInterval:    50 * time.Millisecond,
		SendTimeout:      2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.WorkflowDeadline <= 0 {
		c.WorkflowDeadline = d.WorkflowDeadline
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

// Backoff returns the delay before retry n (1-based): BackoffBase doubled
// for every earlier retry, capped at BackoffMax.
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return min(d, c.BackoffMax)
}
