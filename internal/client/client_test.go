// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/transport"
)

func newPair(t *testing.T) (*Client, *transport.Native) {
	t.Helper()
	near, far := transport.NewNativePair(16)
	c := New(near)
	t.Cleanup(func() { _ = c.Close() })
	return c, far
}

func serverRecv(t *testing.T, a transport.Adapter) *event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := a.Receive(ctx)
	require.NoError(t, err)
	return ev
}

func serverSend(t *testing.T, a transport.Adapter, ev *event.Event) {
	t.Helper()
	require.NoError(t, a.Send(context.Background(), ev))
}

func TestRequestReturnsFinalReply(t *testing.T) {
	c, srv := newPair(t)

	var progress []string
	type result struct {
		ev  *event.Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := c.Request(context.Background(), event.Commander(), &event.QueryState{IfaceName: "eth0"},
			WithTimeout(3*time.Second),
			WithProgress(func(ev *event.Event) { progress = append(progress, ev.Payload.(*event.Log).Message) }))
		done <- result{ev, err}
	}()

	req := serverRecv(t, srv)
	assert.Equal(t, uint32(3000), req.TimeoutMS)
	assert.Equal(t, event.User(), req.Source)

	serverSend(t, srv, req.Reply(event.Commander(), &event.Log{Message: "working"}))
	serverSend(t, srv, req.Reply(event.Commander(), &event.StateReport{State: []byte(`{}`)}))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, event.KindStateReport, res.ev.Kind())
	assert.Equal(t, []string{"working"}, progress)
}

func TestRequestReturnsRemoteError(t *testing.T) {
	c, srv := newPair(t)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), event.Commander(), &event.ApplyState{State: []byte(`{}`)})
		errc <- err
	}()

	req := serverRecv(t, srv)
	serverSend(t, srv, req.ErrorReply(event.Commander(), event.ErrKindRetriesExhausted, "kernel failed"))

	err := <-errc
	var remote *event.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, event.ErrKindRetriesExhausted, remote.Kind)
}

func TestCancelledRequestNotifiesDaemon(t *testing.T) {
	c, srv := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, event.Commander(), &event.QueryState{})
		errc <- err
	}()

	req := serverRecv(t, srv)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	got := serverRecv(t, srv)
	assert.Equal(t, event.KindCancel, got.Kind())
	assert.Equal(t, req.ID, got.RefID)
}

func TestUnsolicitedEventsAreNotifications(t *testing.T) {
	c, srv := newPair(t)

	serverSend(t, srv, event.New(event.Commander(), event.User(), &event.Log{Message: "link flap"}))
	select {
	case ev := <-c.Notifications():
		assert.Equal(t, "link flap", ev.Payload.(*event.Log).Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestServerCloseFailsOutstandingRequests(t *testing.T) {
	c, srv := newPair(t)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), event.Commander(), &event.QueryState{})
		errc <- err
	}()
	serverRecv(t, srv)
	require.NoError(t, srv.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not fail")
	}

	_, err := c.Request(context.Background(), event.Commander(), &event.QueryState{})
	require.ErrorIs(t, err, ErrClosed)
}
