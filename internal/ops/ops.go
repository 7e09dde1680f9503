// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ops serves the daemon's local operations endpoints: probes,
// Prometheus metrics and read-only debug views of the router and the
// dead-letter journal.
package ops

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/health"
	"github.com/ManuGH/netplumb/internal/journal"
	"github.com/ManuGH/netplumb/internal/router"
)

const (
	defaultDebugLimit = 60
	defaultListLimit  = 100
	maxListLimit      = 1000
)

// Switch is the read-only view of the router used by /debug/peers.
type Switch interface {
	Snapshot() []router.PeerStatus
	Plugins() []event.PluginInfo
	Postponed() int
}

// DeadLetters lists journaled events.
type DeadLetters interface {
	List(ctx context.Context, q journal.Query) ([]journal.Entry, error)
}

// Deps are the collaborators behind the endpoints. Nil members disable
// the endpoints that need them.
type Deps struct {
	Health      *health.Manager
	Switch      Switch
	DeadLetters DeadLetters
	// Counters adds named gauges such as open sessions to /debug/peers.
	Counters func() map[string]int
	Gatherer prometheus.Gatherer
	// TracingService enables otelhttp spans under this name.
	TracingService string
	// DebugLimit caps requests per minute per IP on /debug/*.
	DebugLimit int
}

// NewRouter builds the ops handler.
func NewRouter(d Deps) http.Handler {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.DebugLimit <= 0 {
		d.DebugLimit = defaultDebugLimit
	}

	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(Metrics)
	if d.TracingService != "" {
		r.Use(Tracing(d.TracingService))
	}
	r.Use(AccessLog)

	if d.Health != nil {
		r.Get("/healthz", d.Health.ServeHealth)
		r.Get("/readyz", d.Health.ServeReady)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/debug", func(r chi.Router) {
		r.Use(RateLimit(d.DebugLimit, time.Minute))
		if d.Switch != nil {
			r.Get("/peers", peersHandler(d.Switch, d.Counters))
		}
		if d.DeadLetters != nil {
			r.Get("/deadletters", deadLettersHandler(d.DeadLetters))
		}
	})
	return r
}

type peersResponse struct {
	Peers     []router.PeerStatus `json:"peers"`
	Plugins   []event.PluginInfo  `json:"plugins"`
	Postponed int                 `json:"postponed"`
	Counters  map[string]int      `json:"counters,omitempty"`
}

func peersHandler(sw Switch, counters func() map[string]int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := peersResponse{
			Peers:     sw.Snapshot(),
			Plugins:   sw.Plugins(),
			Postponed: sw.Postponed(),
		}
		if resp.Peers == nil {
			resp.Peers = []router.PeerStatus{}
		}
		if resp.Plugins == nil {
			resp.Plugins = []event.PluginInfo{}
		}
		if counters != nil {
			resp.Counters = counters()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type deadLettersResponse struct {
	Entries []journal.Entry `json:"entries"`
}

func deadLettersHandler(dl DeadLetters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r, time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
			return
		}
		entries, err := dl.List(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "journal_unavailable", err.Error())
			return
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		writeJSON(w, http.StatusOK, deadLettersResponse{Entries: entries})
	}
}

// parseQuery reads reason, origin, since and limit. since accepts an
// RFC 3339 timestamp or a duration counted back from now.
func parseQuery(r *http.Request, now time.Time) (journal.Query, error) {
	v := r.URL.Query()
	q := journal.Query{
		Reason: v.Get("reason"),
		Origin: v.Get("origin"),
		Limit:  defaultListLimit,
	}
	if s := v.Get("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			q.Since = t
		} else if d, derr := time.ParseDuration(s); derr == nil && d > 0 {
			q.Since = now.Add(-d)
		} else {
			return q, &queryError{param: "since", value: s}
		}
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, &queryError{param: "limit", value: s}
		}
		q.Limit = min(n, maxListLimit)
	}
	return q, nil
}

type queryError struct {
	param string
	value string
}

func (e *queryError) Error() string {
	return "invalid " + e.param + ": " + strconv.Quote(e.value)
}
