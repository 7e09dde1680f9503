// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package router

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
	"github.com/ManuGH/netplumb/internal/resilience"
	"github.com/ManuGH/netplumb/internal/transport"
)

// PeerInfo describes a peer at registration time.
type PeerInfo struct {
	Roles    []string
	Accepts  []event.Kind
	Emits    []event.Kind
	External bool
}

// PeerStatus is a point-in-time view of one registered peer.
type PeerStatus struct {
	Address  string   `json:"address"`
	Roles    []string `json:"roles,omitempty"`
	External bool     `json:"external,omitempty"`
	State    string   `json:"state"`
	Queued   int      `json:"queued"`
	Inflight int      `json:"inflight"`
}

type inflightEntry struct {
	ev *event.Event
	at time.Time
}

type peer struct {
	addr    event.Address
	info    PeerInfo
	adapter transport.Adapter
	queue   chan *event.Event
	breaker *resilience.CircuitBreaker
	done    chan struct{}
	logger  zerolog.Logger

	trackInflight bool
	inflightMu    sync.Mutex
	inflight      map[event.ID]inflightEntry
	inflightOrder []event.ID
}

func (p *peer) hasRole(role string) bool {
	return slices.Contains(p.info.Roles, role)
}

func (p *peer) remember(ev *event.Event, limit int, ttl time.Duration) {
	if !p.trackInflight || ev.IsError() {
		return
	}
	now := time.Now()
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()

	// Keep a private copy; the sent event belongs to the peer.
	p.inflight[ev.ID] = inflightEntry{ev: ev.Clone(), at: now}
	p.inflightOrder = append(p.inflightOrder, ev.ID)

	// Drop settled ids, expired entries and overflow from the front.
	for len(p.inflightOrder) > 0 {
		id := p.inflightOrder[0]
		entry, ok := p.inflight[id]
		switch {
		case !ok:
		case len(p.inflight) > limit, now.Sub(entry.at) > ttl:
			delete(p.inflight, id)
		default:
			return
		}
		p.inflightOrder = p.inflightOrder[1:]
	}
}

func (p *peer) settle(ref event.ID) {
	if !p.trackInflight || ref.IsZero() {
		return
	}
	p.inflightMu.Lock()
	delete(p.inflight, ref)
	p.inflightMu.Unlock()
}

// takeInflight empties the in-flight set, oldest first.
func (p *peer) takeInflight() []*event.Event {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	out := make([]*event.Event, 0, len(p.inflight))
	for _, id := range p.inflightOrder {
		if entry, ok := p.inflight[id]; ok {
			out = append(out, entry.ev)
			delete(p.inflight, id)
		}
	}
	p.inflightOrder = nil
	return out
}

func (p *peer) inflightLen() int {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	return len(p.inflight)
}

// readLoop pumps events from the peer into the router inbox.
func (r *Router) readLoop(p *peer) {
	defer r.wg.Done()
	for {
		ev, err := p.adapter.Receive(r.ctx)
		if err != nil {
			switch transport.KindOf(err) {
			case transport.KindMalformed:
				metrics.IncDropped("malformed")
				continue
			case transport.KindTimeout:
				// Only the router context ends a receive.
				return
			}
			r.peerGone(p, err)
			return
		}
		if ev.Source.IsZero() || p.addr.Kind == event.AddrPlugin {
			// Plugins cannot speak for anyone else.
			ev.Source = p.addr
		}
		p.settle(ev.RefID)

		select {
		case r.inbox <- ev:
		case <-p.done:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// writeLoop drains the peer's FIFO into its transport.
func (r *Router) writeLoop(p *peer) {
	defer r.wg.Done()
	for {
		select {
		case ev := <-p.queue:
			r.deliver(p, ev)
		case <-p.done:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Router) deliver(p *peer, ev *event.Event) {
	// Remember first: the reply may race the return of Send.
	p.remember(ev, r.cfg.InflightLimit, r.cfg.InflightTTL)
	id, kind := ev.ID, ev.Kind()
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SendTimeout)
	err := p.adapter.Send(ctx, ev)
	cancel()
	if err == nil {
		p.breaker.Success()
		return
	}
	p.settle(id)
	if r.ctx.Err() != nil {
		return
	}

	reason := "send_" + transport.KindOf(err).String()
	p.breaker.Failure(reason)
	p.logger.Warn().
		Err(err).
		Str(log.FieldEvent, "router.send_failed").
		Str(log.FieldEventID, id.String()).
		Str(log.FieldKind, string(kind)).
		Msg("peer did not accept event")
	r.submit(r.undeliverable(ev, event.ErrKindPeerUnavailable, p.addr.String()+": "+err.Error()))

	if errors.Is(err, transport.ErrClosed) {
		r.peerGone(p, err)
	}
}
