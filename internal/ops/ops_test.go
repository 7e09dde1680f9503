// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/health"
	"github.com/ManuGH/netplumb/internal/journal"
	"github.com/ManuGH/netplumb/internal/router"
)

type fakeSwitch struct{}

func (fakeSwitch) Snapshot() []router.PeerStatus {
	return []router.PeerStatus{
		{Address: "commander", State: "closed"},
		{Address: "plugin:kernel", Roles: []string{"kernel"}, External: true, State: "open", Queued: 2},
	}
}

func (fakeSwitch) Plugins() []event.PluginInfo {
	return []event.PluginInfo{{Name: "kernel", Roles: []string{"kernel"}, External: true, Degraded: true}}
}

func (fakeSwitch) Postponed() int { return 3 }

type fakeJournal struct {
	got     journal.Query
	entries []journal.Entry
	err     error
}

func (f *fakeJournal) List(_ context.Context, q journal.Query) ([]journal.Entry, error) {
	f.got = q
	return f.entries, f.err
}

func do(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestProbes(t *testing.T) {
	hm := health.NewManager("v1.2.3")
	h := NewRouter(Deps{Health: hm, Gatherer: prometheus.NewRegistry()})

	rec := do(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var hr health.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hr))
	assert.Equal(t, "v1.2.3", hr.Version)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	hm.RegisterChecker(health.NewFuncChecker("journal", func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusUnhealthy, Error: "locked"}
	}))
	rec = do(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := NewRouter(Deps{Health: health.NewManager("")})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))
}

func TestMetricsEndpointUsesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "netplumb_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(7)

	rec := do(t, NewRouter(Deps{Gatherer: reg}), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "netplumb_test_total 7")
}

func TestDebugPeers(t *testing.T) {
	h := NewRouter(Deps{
		Switch:   fakeSwitch{},
		Counters: func() map[string]int { return map[string]int{"sessions": 1} },
	})
	rec := do(t, h, "/debug/peers")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp peersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "open", resp.Peers[1].State)
	assert.Equal(t, 3, resp.Postponed)
	assert.Equal(t, 1, resp.Counters["sessions"])
	require.Len(t, resp.Plugins, 1)
	assert.True(t, resp.Plugins[0].Degraded)
}

func TestDebugEndpointsAbsentWithoutDeps(t *testing.T) {
	h := NewRouter(Deps{})
	assert.Equal(t, http.StatusNotFound, do(t, h, "/debug/peers").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "/debug/deadletters").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "/healthz").Code)
}

func TestDebugDeadLetters(t *testing.T) {
	fj := &fakeJournal{entries: []journal.Entry{{ID: 1, Origin: journal.OriginRouter, Reason: "unknown_receiver", Kind: "start_dhcp"}}}
	h := NewRouter(Deps{DeadLetters: fj})

	rec := do(t, h, "/debug/deadletters?reason=unknown_receiver&origin=router&limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unknown_receiver", fj.got.Reason)
	assert.Equal(t, journal.OriginRouter, fj.got.Origin)
	assert.Equal(t, maxListLimit, fj.got.Limit)

	var resp deadLettersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "start_dhcp", resp.Entries[0].Kind)

	fj.err = errors.New("database is locked")
	rec = do(t, h, "/debug/deadletters")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "journal_unavailable")
}

func TestParseQuery(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		query   string
		want    journal.Query
		wantErr string
	}{
		{name: "defaults", query: "", want: journal.Query{Limit: defaultListLimit}},
		{name: "duration", query: "since=1h", want: journal.Query{Since: now.Add(-time.Hour), Limit: defaultListLimit}},
		{name: "timestamp", query: "since=2025-05-31T00:00:00Z&limit=10", want: journal.Query{Since: time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC), Limit: 10}},
		{name: "bad since", query: "since=yesterday", wantErr: "invalid since"},
		{name: "negative duration", query: "since=-1h", wantErr: "invalid since"},
		{name: "bad limit", query: "limit=0", wantErr: "invalid limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/debug/deadletters?"+tt.query, nil)
			got, err := parseQuery(r, now)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Since.Equal(got.Since))
			assert.Equal(t, tt.want.Limit, got.Limit)
		})
	}
}

func TestDebugRateLimit(t *testing.T) {
	h := NewRouter(Deps{Switch: fakeSwitch{}, DebugLimit: 2})
	assert.Equal(t, http.StatusOK, do(t, h, "/debug/peers").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "/debug/peers").Code)

	rec := do(t, h, "/debug/peers")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestRecovererReturns500(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := do(t, h, "/x")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestServerShutsDownOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), NewRouter(Deps{Health: health.NewManager("test")}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	client := &http.Client{Timeout: 2 * time.Second}
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = client.Get("http://" + ln.Addr().String() + "/healthz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.True(t, strings.Contains(string(body), `"status":"healthy"`))
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
