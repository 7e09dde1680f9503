// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/ratelimit"
	"github.com/ManuGH/netplumb/internal/transport"
)

type harness struct {
	t      *testing.T
	mgr    *Manager
	sw     *transport.Native
	socket string
	done   chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	apiEnd, switchEnd := transport.NewNativePair(64)
	socket := filepath.Join(t.TempDir(), "api.sock")
	ln, err := transport.ListenUnix(socket, 0o600)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		mgr:    New(apiEnd, cfg),
		sw:     switchEnd,
		socket: socket,
		done:   make(chan error, 1),
	}
	go func() { h.done <- h.mgr.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
		_ = switchEnd.Close()
	})
	return h
}

func (h *harness) dial() *transport.Framed {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := transport.DialUnix(ctx, h.socket)
	require.NoError(h.t, err)
	f := transport.NewFramed(conn)
	h.t.Cleanup(func() { _ = f.Close() })
	return f
}

func (h *harness) fromSwitch() *event.Event {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := h.sw.Receive(ctx)
	require.NoError(h.t, err)
	return ev
}

func (h *harness) toClient(ev *event.Event) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(h.t, h.sw.Send(ctx, ev))
}

func send(t *testing.T, f *transport.Framed, ev *event.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Send(ctx, ev))
}

func recv(t *testing.T, f *transport.Framed) *event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := f.Receive(ctx)
	require.NoError(t, err)
	return ev
}

func clientRequest(p event.Payload) *event.Event {
	return &event.Event{Payload: p}
}

func replyFrom(req *event.Event, p event.Payload) *event.Event {
	return req.Reply(event.Commander(), p)
}

func TestRequestIsUpgradedAndForwarded(t *testing.T) {
	h := newHarness(t, Config{})
	client := h.dial()

	send(t, client, clientRequest(&event.QueryState{IfaceName: "eth0"}))

	got := h.fromSwitch()
	assert.False(t, got.ID.IsZero(), "server assigns an id")
	assert.Equal(t, event.User(), got.Source)
	assert.Equal(t, event.Commander(), got.Receiver)
	assert.Equal(t, event.StatePending, got.State)
	require.Eventually(t, func() bool { return h.mgr.Pending() == 1 }, time.Second, 5*time.Millisecond)

	h.toClient(replyFrom(got, &event.StateReport{State: []byte(`{}`)}))
	rep := recv(t, client)
	assert.Equal(t, got.ID, rep.RefID)
	assert.Equal(t, event.KindStateReport, rep.Kind())
	require.Eventually(t, func() bool { return h.mgr.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSourceIsForcedToUser(t *testing.T) {
	h := newHarness(t, Config{})
	client := h.dial()

	ev := clientRequest(&event.QueryLogLevel{})
	ev.Source = event.Plugin("spoofed")
	ev.Receiver = event.Daemon()
	send(t, client, ev)

	got := h.fromSwitch()
	assert.Equal(t, event.User(), got.Source)
	assert.Equal(t, event.Daemon(), got.Receiver)
}

func TestLogRepliesKeepRequestPending(t *testing.T) {
	h := newHarness(t, Config{})
	client := h.dial()

	send(t, client, clientRequest(&event.ApplyState{State: []byte(`{}`)}))
	req := h.fromSwitch()

	h.toClient(replyFrom(req, &event.Log{Level: "info", Source: "kernel", Message: "applying"}))
	first := recv(t, client)
	assert.Equal(t, event.KindLog, first.Kind())
	assert.Equal(t, 1, h.mgr.Pending())

	h.toClient(replyFrom(req, &event.Done{Workflow: "apply_state"}))
	second := recv(t, client)
	assert.Equal(t, event.KindDone, second.Kind())
	assert.Equal(t, req.ID, second.RefID)
	require.Eventually(t, func() bool { return h.mgr.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRepliesGoToOwningSession(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.dial()
	b := h.dial()

	send(t, a, clientRequest(&event.QueryState{IfaceName: "a"}))
	reqA := h.fromSwitch()
	send(t, b, clientRequest(&event.QueryState{IfaceName: "b"}))
	reqB := h.fromSwitch()

	h.toClient(replyFrom(reqB, &event.Done{Workflow: "b"}))
	h.toClient(replyFrom(reqA, &event.Done{Workflow: "a"}))

	assert.Equal(t, reqA.ID, recv(t, a).RefID)
	assert.Equal(t, reqB.ID, recv(t, b).RefID)
}

func TestCloseCancelsPendingRequests(t *testing.T) {
	h := newHarness(t, Config{})
	client := h.dial()

	send(t, client, clientRequest(&event.ConnectionAdd{Name: "lan", IfaceIndex: 2}))
	req := h.fromSwitch()
	require.NoError(t, client.Close())

	cancel := h.fromSwitch()
	assert.Equal(t, event.KindCancel, cancel.Kind())
	assert.Equal(t, req.ID, cancel.RefID)
	assert.Equal(t, req.Receiver, cancel.Receiver)
	assert.Equal(t, event.User(), cancel.Source)
	require.Eventually(t, func() bool { return h.mgr.Sessions() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.mgr.Pending())

	// A late reply is discarded without reviving the entry.
	h.toClient(replyFrom(req, &event.Done{Workflow: "connection_add"}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.mgr.Pending())
}

func TestClientCancelWithdrawsRequest(t *testing.T) {
	h := newHarness(t, Config{})
	client := h.dial()

	send(t, client, clientRequest(&event.ApplyState{State: []byte(`{}`)}))
	req := h.fromSwitch()

	cancel := clientRequest(&event.Cancel{Reason: "changed my mind"})
	cancel.RefID = req.ID
	send(t, client, cancel)

	got := h.fromSwitch()
	assert.Equal(t, event.KindCancel, got.Kind())
	assert.Equal(t, req.ID, got.RefID)
	assert.Equal(t, "changed my mind", got.Payload.(*event.Cancel).Reason)
	require.Eventually(t, func() bool { return h.mgr.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRequestDeadline(t *testing.T) {
	h := newHarness(t, Config{RequestTimeout: 40 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	client := h.dial()

	send(t, client, clientRequest(&event.QueryState{}))
	req := h.fromSwitch()

	rep := recv(t, client)
	require.True(t, rep.IsError())
	assert.Equal(t, req.ID, rep.RefID)
	assert.Equal(t, event.ErrKindDeadlineExceeded, rep.Payload.(*event.Error).Code)

	cancel := h.fromSwitch()
	assert.Equal(t, event.KindCancel, cancel.Kind())
	assert.Equal(t, req.ID, cancel.RefID)
	assert.Equal(t, 0, h.mgr.Pending())
}

func TestPerRequestTimeoutOverridesDefault(t *testing.T) {
	h := newHarness(t, Config{RequestTimeout: time.Hour, SweepInterval: 5 * time.Millisecond})
	client := h.dial()

	ev := clientRequest(&event.QueryState{})
	ev.TimeoutMS = 30
	send(t, client, ev)
	h.fromSwitch()

	rep := recv(t, client)
	require.True(t, rep.IsError())
	assert.Equal(t, event.ErrKindDeadlineExceeded, rep.Payload.(*event.Error).Code)
}

func TestDuplicatePendingIDRejected(t *testing.T) {
	h := newHarness(t, Config{})
	client := h.dial()

	ev := clientRequest(&event.QueryState{})
	ev.ID = event.NewID()
	send(t, client, ev)
	h.fromSwitch()

	dup := clientRequest(&event.QueryState{})
	dup.ID = ev.ID
	send(t, client, dup)

	rep := recv(t, client)
	require.True(t, rep.IsError())
	assert.Equal(t, event.ErrKindInvalidArgument, rep.Payload.(*event.Error).Code)
	assert.Equal(t, 1, h.mgr.Pending())
}

func TestRateLimitedRequests(t *testing.T) {
	cfg := Config{RateLimit: ratelimit.Config{SessionRate: 0.001, SessionBurst: 1}}
	h := newHarness(t, cfg)
	client := h.dial()

	send(t, client, clientRequest(&event.QueryState{}))
	h.fromSwitch()

	send(t, client, clientRequest(&event.QueryState{}))
	rep := recv(t, client)
	require.True(t, rep.IsError())
	assert.Equal(t, event.ErrKindRateLimited, rep.Payload.(*event.Error).Code)
	assert.Equal(t, 1, h.mgr.Pending())
}

func TestUnknownRefIsDiscarded(t *testing.T) {
	h := newHarness(t, Config{})
	client := h.dial()

	stray := event.New(event.Commander(), event.User(), &event.Done{})
	stray.RefID = event.NewID()
	h.toClient(stray)

	// The session still works after the stray reply.
	send(t, client, clientRequest(&event.QueryState{}))
	req := h.fromSwitch()
	h.toClient(replyFrom(req, &event.Done{}))
	assert.Equal(t, req.ID, recv(t, client).RefID)
}

func TestStuckClientDoesNotDelayOthers(t *testing.T) {
	h := newHarness(t, Config{WriteQueue: 4, SendTimeout: 2 * time.Second})
	stuck := h.dial()
	fast := h.dial()

	send(t, stuck, clientRequest(&event.ApplyState{State: []byte(`{}`)}))
	reqStuck := h.fromSwitch()
	send(t, fast, clientRequest(&event.QueryState{IfaceName: "eth0"}))
	reqFast := h.fromSwitch()

	// The stuck client never reads, so its socket buffer and queue fill up.
	big := strings.Repeat("x", 64<<10)
	for range 40 {
		h.toClient(replyFrom(reqStuck, &event.Log{Level: "info", Source: "kernel", Message: big}))
	}

	start := time.Now()
	h.toClient(replyFrom(reqFast, &event.Done{Workflow: "query_state"}))
	got := recv(t, fast)
	assert.Equal(t, reqFast.ID, got.RefID)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return h.mgr.Sessions() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestNotificationLogIsBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.dial()
	b := h.dial()
	require.Eventually(t, func() bool { return h.mgr.Sessions() == 2 }, time.Second, 5*time.Millisecond)

	h.toClient(event.New(event.Commander(), event.User(), &event.Log{Level: "warn", Source: "dhcp", Message: "lease lost"}))

	for _, c := range []*transport.Framed{a, b} {
		got := recv(t, c)
		assert.Equal(t, event.KindLog, got.Kind())
	}
}

func TestServeReturnsWhenSwitchCloses(t *testing.T) {
	apiEnd, switchEnd := transport.NewNativePair(4)
	ln, err := transport.ListenUnix(filepath.Join(t.TempDir(), "api.sock"), 0o600)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- New(apiEnd, Config{}).Serve(context.Background(), ln) }()
	require.NoError(t, switchEnd.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrLinkClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestTombstonesAreBounded(t *testing.T) {
	tomb := newTombstones(2)
	a, b, c := event.NewID(), event.NewID(), event.NewID()
	tomb.add(a)
	tomb.add(b)
	tomb.add(c)
	assert.False(t, tomb.has(a))
	assert.True(t, tomb.has(b))
	assert.True(t, tomb.has(c))
}
