// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ratelimit throttles client requests entering the daemon.
package ratelimit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "netplumb",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total client requests rejected by the rate limiter",
	},
	[]string{"limit_type"},
)

// Config holds rate limiting configuration.
type Config struct {
	// Daemon-wide limit across all sessions.
	GlobalRate  rate.Limit
	GlobalBurst int

	// Per-session limit.
	SessionRate  rate.Limit
	SessionBurst int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		GlobalRate:   500,
		GlobalBurst:  1000,
		SessionRate:  50,
		SessionBurst: 100,
	}
}

// Limiter holds one token bucket per session plus a global bucket.
type Limiter struct {
	config     Config
	global     *rate.Limiter
	mu         sync.Mutex
	perSession map[uint64]*rate.Limiter
}

// New creates a limiter. A zero rate disables that level.
func New(config Config) *Limiter {
	l := &Limiter{
		config:     config,
		perSession: make(map[uint64]*rate.Limiter),
	}
	if config.GlobalRate > 0 {
		l.global = rate.NewLimiter(config.GlobalRate, max(config.GlobalBurst, 1))
	}
	return l
}

// Allow reports whether session may submit one more request now.
func (l *Limiter) Allow(session uint64) bool {
	if l.global != nil && !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global").Inc()
		return false
	}
	if l.config.SessionRate <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.perSession[session]
	if !ok {
		lim = rate.NewLimiter(l.config.SessionRate, max(l.config.SessionBurst, 1))
		l.perSession[session] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		rateLimitExceeded.WithLabelValues("per_session").Inc()
		return false
	}
	return true
}

// Forget drops the bucket of a closed session.
func (l *Limiter) Forget(session uint64) {
	l.mu.Lock()
	delete(l.perSession, session)
	l.mu.Unlock()
}

// Sessions returns the number of tracked session buckets.
func (l *Limiter) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perSession)
}
