// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package router

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/metrics"
	"github.com/ManuGH/netplumb/internal/resilience"
	"github.com/ManuGH/netplumb/internal/transport"
)

func startRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("router did not stop")
		}
	})
	return r
}

func attach(t *testing.T, r *Router, addr event.Address, roles ...string) *transport.Native {
	t.Helper()
	near, far := transport.NewNativePair(256)
	require.NoError(t, r.Register(addr, near, PeerInfo{Roles: roles}))
	return far
}

func recv(t *testing.T, a transport.Adapter) *event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := a.Receive(ctx)
	require.NoError(t, err)
	return ev
}

func expectNothing(t *testing.T, a transport.Adapter, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	ev, err := a.Receive(ctx)
	require.ErrorIs(t, err, transport.ErrTimeout, "unexpected event %+v", ev)
}

func send(t *testing.T, a transport.Adapter, ev *event.Event) {
	t.Helper()
	require.NoError(t, a.Send(context.Background(), ev))
}

func counter(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestUnicastPreservesPairOrder(t *testing.T) {
	r := startRouter(t, Config{})
	cmd := attach(t, r, event.Commander())
	kernel := attach(t, r, event.Plugin("kernel"), "kernel")

	const n = 200
	sent := make([]event.ID, n)
	for i := range sent {
		ev := event.New(event.Commander(), event.Plugin("kernel"), &event.QueryState{})
		sent[i] = ev.ID
		send(t, cmd, ev)
	}
	for i := 0; i < n; i++ {
		got := recv(t, kernel)
		require.Equal(t, sent[i], got.ID, "position %d", i)
		assert.Equal(t, event.Commander(), got.Source)
	}
}

func TestUnknownReceiverIsReportedToSender(t *testing.T) {
	r := startRouter(t, Config{})
	cmd := attach(t, r, event.Commander())

	req := event.New(event.Commander(), event.Plugin("ghost"), &event.QueryState{})
	send(t, cmd, req)

	rep := recv(t, cmd)
	assert.Equal(t, req.ID, rep.RefID)
	assert.Equal(t, event.Commander(), rep.Receiver)
	var remote *event.RemoteError
	require.ErrorAs(t, rep.Err(), &remote)
	assert.Equal(t, event.ErrKindUnknownReceiver, remote.Kind)
}

func TestUndeliverableErrorReportIsDropped(t *testing.T) {
	r := startRouter(t, Config{})
	cmd := attach(t, r, event.Commander())

	before := counter(t, metrics.DroppedTotal.WithLabelValues("undeliverable_report"))
	errEv := event.New(event.Commander(), event.Plugin("ghost"), &event.Error{Code: event.ErrKindFailed})
	send(t, cmd, errEv)

	expectNothing(t, cmd, 100*time.Millisecond)
	assert.Equal(t, before+1, counter(t, metrics.DroppedTotal.WithLabelValues("undeliverable_report")))
}

func TestRoleFanOutSkipsOtherRolesAndSender(t *testing.T) {
	r := startRouter(t, Config{})
	cmd := attach(t, r, event.Commander())
	a := attach(t, r, event.Plugin("dhcp-a"), "dhcp")
	b := attach(t, r, event.Plugin("dhcp-b"), "dhcp", "lldp")
	kernel := attach(t, r, event.Plugin("kernel"), "kernel")

	ev := event.New(event.Commander(), event.Role("dhcp"), &event.StartDHCP{IfaceIndex: 9})
	send(t, cmd, ev)

	assert.Equal(t, ev.ID, recv(t, a).ID)
	assert.Equal(t, ev.ID, recv(t, b).ID)
	expectNothing(t, kernel, 50*time.Millisecond)

	// A role member addressing its own role does not get its event back.
	own := event.New(event.Plugin("dhcp-a"), event.Role("dhcp"), &event.Log{Message: "hi"})
	send(t, a, own)
	assert.Equal(t, own.ID, recv(t, b).ID)
	expectNothing(t, a, 50*time.Millisecond)
}

func TestAllPluginsExcludesNonPlugins(t *testing.T) {
	r := startRouter(t, Config{})
	user := attach(t, r, event.User())
	cmd := attach(t, r, event.Commander())
	p1 := attach(t, r, event.Plugin("one"))
	p2 := attach(t, r, event.Plugin("two"))

	ev := event.New(event.Daemon(), event.AllPlugins(), &event.Quit{})
	require.NoError(t, r.Inject(context.Background(), ev))

	assert.Equal(t, ev.ID, recv(t, p1).ID)
	assert.Equal(t, ev.ID, recv(t, p2).ID)
	expectNothing(t, user, 50*time.Millisecond)
	expectNothing(t, cmd, 10*time.Millisecond)
}

func TestDeadLoopIsDiscarded(t *testing.T) {
	r := startRouter(t, Config{})
	cmd := attach(t, r, event.Commander())

	send(t, cmd, event.New(event.Commander(), event.Commander(), &event.Quit{}))
	expectNothing(t, cmd, 100*time.Millisecond)
}

func TestPostponedEventIsHeldBack(t *testing.T) {
	r := startRouter(t, Config{})
	cmd := attach(t, r, event.Commander())
	dhcp := attach(t, r, event.Plugin("dhcp"), "dhcp")

	ev := event.New(event.Commander(), event.Role("dhcp"), &event.StartDHCP{IfaceIndex: 9})
	ev.PostponeMS = 80
	start := time.Now()
	send(t, cmd, ev)

	got := recv(t, dhcp)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, ev.ID, got.ID)
	assert.Zero(t, got.PostponeMS)
	assert.Zero(t, r.Postponed())
}

func TestCancelDropsHeldRetry(t *testing.T) {
	r := startRouter(t, Config{})
	cmd := attach(t, r, event.Commander())
	dhcp := attach(t, r, event.Plugin("dhcp"), "dhcp")

	retry := event.New(event.Commander(), event.Role("dhcp"), &event.StartDHCP{IfaceIndex: 9})
	retry.PostponeMS = 200
	send(t, cmd, retry)
	require.Eventually(t, func() bool { return r.Postponed() == 1 }, time.Second, 5*time.Millisecond)

	cancel := event.New(event.Commander(), event.Role("dhcp"), &event.Cancel{Reason: "workflow failed"})
	cancel.RefID = retry.ID
	send(t, cmd, cancel)

	got := recv(t, dhcp)
	assert.Equal(t, event.KindCancel, got.Kind())
	assert.Zero(t, r.Postponed())
	expectNothing(t, dhcp, 300*time.Millisecond)
}

// stallAdapter accepts nothing until its context expires.
type stallAdapter struct {
	closed chan struct{}
}

func newStallAdapter() *stallAdapter {
	return &stallAdapter{closed: make(chan struct{})}
}

func (s *stallAdapter) Send(ctx context.Context, _ *event.Event) error {
	<-ctx.Done()
	return &transport.Error{Op: "send", Kind: transport.KindTimeout, Err: ctx.Err()}
}

func (s *stallAdapter) Receive(ctx context.Context) (*event.Event, error) {
	select {
	case <-ctx.Done():
		return nil, &transport.Error{Op: "receive", Kind: transport.KindTimeout, Err: ctx.Err()}
	case <-s.closed:
		return nil, transport.ErrClosed
	}
}

func (s *stallAdapter) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func TestStalledPeerBecomesDegraded(t *testing.T) {
	r := startRouter(t, Config{SendTimeout: 20 * time.Millisecond, DegradeThreshold: 2, DegradeCooldown: time.Hour})
	cmd := attach(t, r, event.Commander())
	require.NoError(t, r.Register(event.Plugin("ovs"), newStallAdapter(), PeerInfo{Roles: []string{"ovs"}}))

	for i := 0; i < 2; i++ {
		req := event.New(event.Commander(), event.Plugin("ovs"), &event.ApplyState{State: []byte("{}")})
		send(t, cmd, req)
		rep := recv(t, cmd)
		assert.Equal(t, req.ID, rep.RefID)
		var remote *event.RemoteError
		require.ErrorAs(t, rep.Err(), &remote)
		assert.Equal(t, event.ErrKindPeerUnavailable, remote.Kind)
	}

	require.Eventually(t, func() bool {
		for _, st := range r.Snapshot() {
			if st.Address == "plugin:ovs" {
				return st.State == string(resilience.StateOpen)
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Degraded peers are answered immediately without waiting for a send.
	req := event.New(event.Commander(), event.Plugin("ovs"), &event.ApplyState{State: []byte("{}")})
	start := time.Now()
	send(t, cmd, req)
	rep := recv(t, cmd)
	assert.Less(t, time.Since(start), 20*time.Millisecond*5)
	assert.Equal(t, req.ID, rep.RefID)

	var degraded bool
	for _, p := range r.Plugins() {
		if p.Name == "ovs" {
			degraded = p.Degraded
		}
	}
	assert.True(t, degraded)
}

func TestCrashedPeerReportsUnansweredEvents(t *testing.T) {
	r := startRouter(t, Config{})
	cmd := attach(t, r, event.Commander())
	dhcp := attach(t, r, event.Plugin("dhcp"), "dhcp")

	answered := event.New(event.Commander(), event.Role("dhcp"), &event.StartDHCP{IfaceIndex: 1})
	pending := event.New(event.Commander(), event.Role("dhcp"), &event.StartDHCP{IfaceIndex: 2})
	send(t, cmd, answered)
	send(t, cmd, pending)
	require.Equal(t, answered.ID, recv(t, dhcp).ID)
	require.Equal(t, pending.ID, recv(t, dhcp).ID)

	send(t, dhcp, answered.Reply(event.Plugin("dhcp"), &event.Done{}))
	reply := recv(t, cmd)
	require.Equal(t, answered.ID, reply.RefID)
	assert.Equal(t, event.Plugin("dhcp"), reply.Source)

	require.NoError(t, dhcp.Close())

	rep := recv(t, cmd)
	assert.Equal(t, pending.ID, rep.RefID)
	var remote *event.RemoteError
	require.ErrorAs(t, rep.Err(), &remote)
	assert.Equal(t, event.ErrKindPeerUnavailable, remote.Kind)
	expectNothing(t, cmd, 50*time.Millisecond)

	require.Eventually(t, func() bool { return len(r.Plugins()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestFanOutHandsEachPeerItsOwnCopy(t *testing.T) {
	r := startRouter(t, Config{QueueSize: 512})
	cmd := attach(t, r, event.Commander())
	a := attach(t, r, event.Plugin("a"), "kernel")
	b := attach(t, r, event.Plugin("b"), "kernel")

	const n = 200
	got := make(chan []*event.Event, 2)
	for _, far := range []*transport.Native{a, b} {
		go func() {
			evs := make([]*event.Event, 0, n)
			for range n {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				ev, err := far.Receive(ctx)
				cancel()
				if err != nil {
					break
				}
				// Receivers own what they get and may rewrite it.
				ev.Receiver = event.User()
				ev.Source = event.Daemon()
				evs = append(evs, ev)
			}
			got <- evs
		}()
	}
	for range n {
		send(t, cmd, event.New(event.Commander(), event.Role("kernel"), &event.QueryState{}))
	}

	first, second := <-got, <-got
	require.Len(t, first, n)
	require.Len(t, second, n)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.NotSame(t, first[i], second[i])
	}
}

func TestCrashedPeerReportIgnoresReceiverEdits(t *testing.T) {
	r := startRouter(t, Config{})
	cmd := attach(t, r, event.Commander())
	dhcp := attach(t, r, event.Plugin("dhcp"), "dhcp")

	req := event.New(event.Commander(), event.Role("dhcp"), &event.StartDHCP{IfaceIndex: 1})
	send(t, cmd, req)
	got := recv(t, dhcp)
	got.Source = event.Plugin("elsewhere")
	got.Receiver = event.User()
	require.NoError(t, dhcp.Close())

	rep := recv(t, cmd)
	assert.Equal(t, req.ID, rep.RefID)
	assert.Equal(t, event.Commander(), rep.Receiver)
	assert.True(t, rep.IsError())
}

func TestPluginCannotSpoofSource(t *testing.T) {
	r := startRouter(t, Config{})
	user := attach(t, r, event.User())
	rogue := attach(t, r, event.Plugin("rogue"))

	send(t, rogue, event.New(event.Commander(), event.User(), &event.Log{Message: "trust me"}))
	got := recv(t, user)
	assert.Equal(t, event.Plugin("rogue"), got.Source)
}

func TestDaemonFallsBackToUserPeer(t *testing.T) {
	r := startRouter(t, Config{})
	user := attach(t, r, event.User())
	cmd := attach(t, r, event.Commander())

	ev := event.New(event.Commander(), event.Daemon(), &event.QueryLogLevel{})
	send(t, cmd, ev)
	assert.Equal(t, ev.ID, recv(t, user).ID)
}

func TestRegisterValidation(t *testing.T) {
	r := New(Config{})
	near, _ := transport.NewNativePair(1)

	require.ErrorIs(t, r.Register(event.Role("dhcp"), near, PeerInfo{}), ErrInvalidAddress)
	require.ErrorIs(t, r.Register(event.AllPlugins(), near, PeerInfo{}), ErrInvalidAddress)
	require.ErrorIs(t, r.Register(event.Address{}, near, PeerInfo{}), ErrInvalidAddress)
	require.ErrorIs(t, r.Register(event.Plugin("x"), nil, PeerInfo{}), ErrNilAdapter)

	require.NoError(t, r.Register(event.Plugin("x"), near, PeerInfo{}))
	other, _ := transport.NewNativePair(1)
	require.ErrorIs(t, r.Register(event.Plugin("x"), other, PeerInfo{}), ErrDuplicatePeer)

	assert.True(t, r.Unregister(event.Plugin("x")))
	assert.False(t, r.Unregister(event.Plugin("x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	require.ErrorIs(t, r.Register(event.Plugin("late"), other, PeerInfo{}), ErrStopped)
}

func TestRunStopsAllPeerGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := New(Config{})
	near, far := transport.NewNativePair(4)
	require.NoError(t, r.Register(event.Plugin("kernel"), near, PeerInfo{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	_, err := far.Receive(context.Background())
	require.ErrorIs(t, err, transport.ErrClosed, "router closes its ends on shutdown")
}
