// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package client talks to netplumbd over its unix socket. Requests are
// correlated with replies by event id, so many may be outstanding at once.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/transport"
)

// DefaultSocket is where netplumbd listens unless configured otherwise.
const DefaultSocket = "/run/netplumb/netplumbd.sock"

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("client closed")

const notificationBuffer = 64

// Client is a connection to the daemon.
type Client struct {
	conn transport.Adapter

	mu      sync.Mutex
	waiters map[event.ID]chan *event.Event
	closed  bool
	err     error

	notes chan *event.Event
	done  chan struct{}
}

// Dial connects to the daemon socket.
func Dial(ctx context.Context, socket string) (*Client, error) {
	if socket == "" {
		socket = DefaultSocket
	}
	conn, err := transport.DialUnix(ctx, socket)
	if err != nil {
		return nil, err
	}
	return New(transport.NewFramed(conn)), nil
}

// New wraps an established adapter.
func New(conn transport.Adapter) *Client {
	c := &Client{
		conn:    conn,
		waiters: make(map[event.ID]chan *event.Event),
		notes:   make(chan *event.Event, notificationBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Notifications delivers events that answer no request, such as plugin
// log records. Events are dropped when the channel is full.
func (c *Client) Notifications() <-chan *event.Event {
	return c.notes
}

// RequestOption customises one request.
type RequestOption func(*requestConfig)

type requestConfig struct {
	timeout  time.Duration
	progress func(*event.Event)
}

// WithTimeout asks the daemon to give up after d.
func WithTimeout(d time.Duration) RequestOption {
	return func(c *requestConfig) { c.timeout = d }
}

// WithProgress receives log events emitted while the request runs.
func WithProgress(fn func(*event.Event)) RequestOption {
	return func(c *requestConfig) { c.progress = fn }
}

// Request sends p to receiver and waits for the final reply. An error
// reply is returned together with its *event.RemoteError. When ctx ends
// first, the daemon is told to cancel the request.
func (c *Client) Request(ctx context.Context, receiver event.Address, p event.Payload, opts ...RequestOption) (*event.Event, error) {
	var cfg requestConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ev := event.New(event.User(), receiver, p)
	ev.TimeoutMS = event.DurationToMS(cfg.timeout)

	ch := make(chan *event.Event, 8)
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return nil, errors.Join(ErrClosed, err)
	}
	c.waiters[ev.ID] = ch
	c.mu.Unlock()
	defer c.forget(ev.ID)

	if err := c.conn.Send(ctx, ev); err != nil {
		return nil, fmt.Errorf("send %s: %w", p.Kind(), err)
	}

	for {
		select {
		case rep, ok := <-ch:
			if !ok {
				return nil, ErrClosed
			}
			if rep.Kind() == event.KindLog {
				if cfg.progress != nil {
					cfg.progress(rep)
				}
				continue
			}
			return rep, rep.Err()
		case <-ctx.Done():
			c.cancel(ev.ID, "client gave up")
			return nil, ctx.Err()
		}
	}
}

// Send delivers an event without waiting for a reply.
func (c *Client) Send(ctx context.Context, receiver event.Address, p event.Payload) (event.ID, error) {
	ev := event.New(event.User(), receiver, p)
	if err := c.conn.Send(ctx, ev); err != nil {
		return event.NilID, err
	}
	return ev.ID, nil
}

func (c *Client) cancel(id event.ID, reason string) {
	ev := event.New(event.User(), event.Commander(), &event.Cancel{Reason: reason})
	ev.RefID = id
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.conn.Send(ctx, ev)
}

func (c *Client) forget(id event.ID) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		ev, err := c.conn.Receive(context.Background())
		if err != nil {
			if transport.KindOf(err) == transport.KindMalformed {
				continue
			}
			c.shutdown(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.waiters[ev.RefID]
		c.mu.Unlock()
		if ok && !ev.RefID.IsZero() {
			deliver(ch, ev)
			continue
		}
		select {
		case c.notes <- ev:
		default:
		}
	}
}

// deliver hands ev to a waiting request. Progress records may be dropped;
// a final reply waits briefly for a slow reader.
func deliver(ch chan *event.Event, ev *event.Event) {
	if ev.Kind() == event.KindLog {
		select {
		case ch <- ev:
		default:
		}
		return
	}
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case ch <- ev:
	case <-t.C:
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if !errors.Is(err, transport.ErrClosed) {
		c.err = err
	}
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	close(c.notes)
}

// Close closes the connection. Outstanding requests fail with ErrClosed
// and the daemon cancels them.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}
