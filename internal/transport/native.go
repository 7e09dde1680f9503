// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ManuGH/netplumb/internal/event"
)

// DefaultNativeBuffer is the per-direction buffer of a native pair.
const DefaultNativeBuffer = 256

type pipe struct {
	ch   chan *event.Event
	done chan struct{}
	once sync.Once
}

func newPipe(size int) *pipe {
	return &pipe{ch: make(chan *event.Event, size), done: make(chan struct{})}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

// Native is one end of an in-process channel pair. Events cross without
// serialization.
type Native struct {
	tx *pipe
	rx *pipe
}

// NewNativePair returns two connected ends with size slots per direction.
func NewNativePair(size int) (*Native, *Native) {
	if size <= 0 {
		size = DefaultNativeBuffer
	}
	ab := newPipe(size)
	ba := newPipe(size)
	return &Native{tx: ab, rx: ba}, &Native{tx: ba, rx: ab}
}

func (n *Native) Send(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return newError("send", KindMalformed, errors.New("nil event"))
	}
	select {
	case <-n.tx.done:
		return newError("send", KindClosed, nil)
	default:
	}
	select {
	case n.tx.ch <- ev:
		return nil
	case <-n.tx.done:
		return newError("send", KindClosed, nil)
	case <-ctx.Done():
		return newError("send", KindTimeout, ctx.Err())
	}
}

// Receive returns events still buffered before reporting a closed link.
func (n *Native) Receive(ctx context.Context) (*event.Event, error) {
	select {
	case ev := <-n.rx.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-n.rx.ch:
		return ev, nil
	case <-n.rx.done:
		select {
		case ev := <-n.rx.ch:
			return ev, nil
		default:
		}
		return nil, newError("receive", KindClosed, nil)
	case <-ctx.Done():
		return nil, newError("receive", KindTimeout, ctx.Err())
	}
}

// Close shuts both directions. Safe to call more than once.
func (n *Native) Close() error {
	n.tx.close()
	n.rx.close()
	return nil
}

// Pending reports how many events wait in the inbound direction.
func (n *Native) Pending() int {
	return len(n.rx.ch)
}

var _ Adapter = (*Native)(nil)
