// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package health provides liveness and readiness checks for netplumbd's
// ops endpoint and for systemd style supervisors.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/ManuGH/netplumb/internal/log"
)

// Status represents the overall health/readiness status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a component health check
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Uptime    int64                  `json:"uptime_seconds"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager manages health and readiness checks
type Manager struct {
	version  string
	started  time.Time
	checkers []Checker
}

// NewManager creates a new health check manager
func NewManager(version string) *Manager {
	return &Manager{
		version: version,
		started: time.Now(),
	}
}

// RegisterChecker adds a health checker to the manager
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

func (m *Manager) run(ctx context.Context) (map[string]CheckResult, Status) {
	checks := make(map[string]CheckResult, len(m.checkers))
	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		checks[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return checks, status
}

// Health performs a health check (liveness probe)
// The process is alive regardless of component state; verbose adds the
// component checks and folds them into Status.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Uptime:    int64(time.Since(m.started).Seconds()),
		Timestamp: time.Now(),
	}
	if verbose && len(m.checkers) > 0 {
		resp.Checks, resp.Status = m.run(ctx)
	}
	return resp
}

// Ready performs a readiness check (readiness probe)
// Any unhealthy component makes the daemon not ready.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks, resp.Status = m.run(ctx)
	resp.Ready = resp.Status != StatusUnhealthy
	return resp
}

// ServeHealth handles HTTP health check requests
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // Always 200 for liveness
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness check requests
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "readiness.encode_error").Msg("failed to encode readiness response")
	}
	if !resp.Ready {
		logger.Debug().Str(log.FieldEvent, "readiness.not_ready").Str("status", string(resp.Status)).Msg("readiness check failed")
	}
}

// SocketChecker checks that a unix socket is present at path.
type SocketChecker struct {
	name string
	path string
}

// NewSocketChecker creates a checker for a listening socket file.
func NewSocketChecker(name, path string) *SocketChecker {
	return &SocketChecker{name: name, path: path}
}

func (c *SocketChecker) Name() string {
	return c.name
}

func (c *SocketChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusUnhealthy, Error: "socket not found", Message: c.path}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if info.Mode()&os.ModeSocket == 0 {
		return CheckResult{Status: StatusUnhealthy, Error: "not a socket", Message: c.path}
	}
	return CheckResult{Status: StatusHealthy, Message: c.path}
}

// PeerState is the health-relevant view of one switch peer.
type PeerState struct {
	Address  string
	Degraded bool
}

// PeerChecker reports the switch's connected peers. Missing required
// peers are unhealthy; degraded peers make the result degraded.
type PeerChecker struct {
	required []string
	snapshot func() []PeerState
}

// NewPeerChecker creates a checker over snapshot.
func NewPeerChecker(snapshot func() []PeerState, required ...string) *PeerChecker {
	return &PeerChecker{required: required, snapshot: snapshot}
}

func (c *PeerChecker) Name() string {
	return "peers"
}

func (c *PeerChecker) Check(_ context.Context) CheckResult {
	peers := c.snapshot()
	present := make([]string, 0, len(peers))
	var degraded []string
	for _, p := range peers {
		present = append(present, p.Address)
		if p.Degraded {
			degraded = append(degraded, p.Address)
		}
	}
	var missing []string
	for _, r := range c.required {
		if !slices.Contains(present, r) {
			missing = append(missing, r)
		}
	}
	switch {
	case len(missing) > 0:
		return CheckResult{Status: StatusUnhealthy, Error: "missing peers: " + strings.Join(missing, ", ")}
	case len(degraded) > 0:
		return CheckResult{Status: StatusDegraded, Message: "degraded: " + strings.Join(degraded, ", ")}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d peers", len(peers))}
}

// FuncChecker adapts a function to Checker.
type FuncChecker struct {
	name string
	fn   func(context.Context) CheckResult
}

// NewFuncChecker creates a named checker calling fn.
func NewFuncChecker(name string, fn func(context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}
