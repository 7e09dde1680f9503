// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/netplumb/internal/event"
)

func rawFrame(body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf
}

func receiveWithin(t *testing.T, a Adapter, d time.Duration) (*event.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return a.Receive(ctx)
}

func TestFramedRoundTripInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c1, c2 := net.Pipe()
	a := NewFramed(c1)
	b := NewFramed(c2)
	defer a.Close()
	defer b.Close()

	want := []*event.Event{
		event.New(event.User(), event.Commander(), &event.ConnectionAdd{Name: "eth1", IfaceIndex: 9, DHCP: true}),
		event.New(event.User(), event.Commander(), &event.ApplyState{State: []byte(`{"a":1}`)}),
		event.New(event.User(), event.Daemon(), &event.Quit{}),
	}
	go func() {
		for _, ev := range want {
			_ = a.Send(context.Background(), ev)
		}
	}()

	for _, w := range want {
		got, err := receiveWithin(t, b, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, w.ID, got.ID)
		assert.Equal(t, w.Payload, got.Payload)
	}
}

func TestFramedMalformedFrameIsDroppedNotFatal(t *testing.T) {
	c1, c2 := net.Pipe()
	b := NewFramed(c2)
	defer b.Close()
	defer c1.Close()

	good := event.New(event.Plugin("kernel"), event.Commander(), &event.Done{Workflow: "x"})
	goodBody, err := event.Marshal(good)
	require.NoError(t, err)

	go func() {
		_, _ = c1.Write(rawFrame([]byte("not an event")))
		_, _ = c1.Write(rawFrame(goodBody))
	}()

	_, err = receiveWithin(t, b, 2*time.Second)
	require.ErrorIs(t, err, ErrMalformed)

	got, err := receiveWithin(t, b, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, good.ID, got.ID)
}

func TestFramedOversizedFrameClosesLink(t *testing.T) {
	c1, c2 := net.Pipe()
	b := NewFramed(c2, WithMaxFrame(64))
	defer b.Close()
	defer c1.Close()

	go func() {
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint32(hdr, 65)
		_, _ = c1.Write(hdr)
	}()

	_, err := receiveWithin(t, b, 2*time.Second)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = receiveWithin(t, b, 2*time.Second)
	require.ErrorIs(t, err, ErrMalformed, "terminal error is sticky")
}

func TestFramedSendRejectsOversizedEvent(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewFramed(c1, WithMaxFrame(32))
	defer a.Close()
	defer c2.Close()

	err := a.Send(context.Background(), event.New(event.User(), event.Commander(), &event.ApplyState{State: make([]byte, 128)}))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestFramedPeerCloseSurfacesClosed(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewFramed(c1)
	b := NewFramed(c2)
	defer b.Close()

	require.NoError(t, a.Close())

	_, err := receiveWithin(t, b, 2*time.Second)
	require.ErrorIs(t, err, ErrClosed)

	err = a.Send(context.Background(), event.New(event.User(), event.Commander(), &event.Quit{}))
	require.ErrorIs(t, err, ErrClosed)
}

func TestFramedReceiveTimeoutKeepsStream(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewFramed(c1)
	b := NewFramed(c2)
	defer a.Close()
	defer b.Close()

	_, err := receiveWithin(t, b, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	ev := event.New(event.User(), event.Commander(), &event.QueryPluginInfo{})
	go func() { _ = a.Send(context.Background(), ev) }()

	got, err := receiveWithin(t, b, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
}

func TestUnixListenAndDial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "test.sock")
	ln, err := ListenUnix(path, 0o660)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := DialUnix(ctx, path)
	require.NoError(t, err)

	client := NewFramed(conn)
	defer client.Close()
	server := NewFramed(<-accepted)
	defer server.Close()

	ev := event.New(event.User(), event.Commander(), &event.QueryLogLevel{})
	require.NoError(t, client.Send(ctx, ev))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)

	// Re-binding replaces the stale socket file.
	require.NoError(t, ln.Close())
	ln2, err := ListenUnix(path, 0)
	require.NoError(t, err)
	require.NoError(t, ln2.Close())
}
