// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package router is the switch between the API layer, the commander and
// plugins. It resolves receiver tags to connected peers, holds postponed
// events and reports undeliverable events back to their sender. It never
// retries; retry policy belongs to the commander.
package router

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
	"github.com/ManuGH/netplumb/internal/postpone"
	"github.com/ManuGH/netplumb/internal/resilience"
	"github.com/ManuGH/netplumb/internal/telemetry"
	"github.com/ManuGH/netplumb/internal/transport"
)

const inboxSize = 1024

// DeadLetterSink receives events the router could not deliver.
type DeadLetterSink interface {
	Record(ev *event.Event, reason string)
}

// Option customises a Router.
type Option func(*Router)

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// WithDeadLetters records undeliverable events in sink.
func WithDeadLetters(sink DeadLetterSink) Option {
	return func(r *Router) { r.deadLetters = sink }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// Router is the switch. Create it with New, register peers, then Run.
type Router struct {
	cfg         Config
	logger      zerolog.Logger
	tracer      trace.Tracer
	deadLetters DeadLetterSink

	mu    sync.RWMutex
	peers map[event.Address]*peer

	inbox     chan *event.Event
	released  chan *event.Event
	postponed *postpone.Queue
	causal    *event.CausalIndex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a router. Peers may be registered before Run is called.
func New(cfg Config, opts ...Option) *Router {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:       cfg,
		logger:    log.WithComponent("router"),
		tracer:    telemetry.Tracer("github.com/ManuGH/netplumb/internal/router"),
		peers:     make(map[event.Address]*peer),
		inbox:     make(chan *event.Event, inboxSize),
		released:  make(chan *event.Event, inboxSize),
		postponed: postpone.New(),
		causal:    event.NewCausalIndex(cfg.CausalWindow),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register connects a peer under addr. It is the only way the routing
// table grows. Group addresses cannot be registered.
func (r *Router) Register(addr event.Address, a transport.Adapter, info PeerInfo) error {
	if a == nil {
		return ErrNilAdapter
	}
	if addr.IsZero() || addr.IsGroup() {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	name := addr.String()
	p := &peer{
		addr:          addr,
		info:          info,
		adapter:       a,
		queue:         make(chan *event.Event, r.cfg.QueueSize),
		done:          make(chan struct{}),
		logger:        r.logger.With().Str(log.FieldPlugin, name).Logger(),
		trackInflight: addr.Kind == event.AddrPlugin,
		inflight:      make(map[event.ID]inflightEntry),
	}
	p.breaker = resilience.NewCircuitBreaker(name, r.cfg.DegradeThreshold, r.cfg.DegradeCooldown,
		resilience.WithOnTransition(func(from, to resilience.State) {
			metrics.SetPeerDegraded(name, to != resilience.StateClosed)
			p.logger.Warn().
				Str(log.FieldEvent, "router.peer_state").
				Str(log.FieldOldState, string(from)).
				Str(log.FieldNewState, string(to)).
				Msg("peer health changed")
		}))

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return ErrStopped
	}
	if _, exists := r.peers[addr]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, name)
	}
	r.peers[addr] = p
	n := len(r.peers)
	r.wg.Add(2)
	r.mu.Unlock()

	metrics.SetPeers(n)
	metrics.SetPeerDegraded(name, false)
	go r.readLoop(p)
	go r.writeLoop(p)

	r.logger.Info().
		Str(log.FieldEvent, "router.peer_registered").
		Str(log.FieldPlugin, name).
		Strs("roles", info.Roles).
		Bool("external", info.External).
		Msg("peer registered")
	return nil
}

// Unregister disconnects the peer at addr and closes its adapter. Events
// still queued or unanswered are reported as peer_unavailable.
func (r *Router) Unregister(addr event.Address) bool {
	r.mu.RLock()
	p, ok := r.peers[addr]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.remove(p, nil)
	return true
}

func (r *Router) peerGone(p *peer, err error) {
	r.remove(p, err)
}

func (r *Router) remove(p *peer, cause error) {
	r.mu.Lock()
	cur, ok := r.peers[p.addr]
	if !ok || cur != p {
		r.mu.Unlock()
		return
	}
	delete(r.peers, p.addr)
	n := len(r.peers)
	close(p.done)
	r.mu.Unlock()

	_ = p.adapter.Close()
	metrics.SetPeers(n)
	metrics.ForgetPeer(p.addr.String())

	evt := r.logger.Info()
	if cause != nil {
		evt = r.logger.Warn().Err(cause)
	}
	evt.Str(log.FieldEvent, "router.peer_removed").Str(log.FieldPlugin, p.addr.String()).Msg("peer removed")

	if r.ctx.Err() != nil {
		return
	}
	var orphans []*event.Event
drain:
	for {
		select {
		case ev := <-p.queue:
			orphans = append(orphans, ev)
		default:
			break drain
		}
	}
	orphans = append(orphans, p.takeInflight()...)
	for _, ev := range orphans {
		r.submit(r.undeliverable(ev, event.ErrKindPeerUnavailable, p.addr.String()+" disconnected"))
	}
}

// Run dispatches events until ctx ends, then closes every peer.
func (r *Router) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-r.ctx.Done():
		}
		r.cancel()
	}()

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = r.postponed.Run(r.ctx, r.released)
	}()

	r.logger.Info().Str(log.FieldEvent, "router.started").Msg("router running")
	for {
		select {
		case ev := <-r.inbox:
			r.dispatch(ev)
		case ev := <-r.released:
			r.dispatch(ev)
		case <-r.ctx.Done():
			r.shutdown()
			<-queueDone
			r.logger.Info().Str(log.FieldEvent, "router.stopped").Msg("router stopped")
			return nil
		}
	}
}

func (r *Router) shutdown() {
	r.mu.Lock()
	peers := make([]*peer, 0, len(r.peers))
	for addr, p := range r.peers {
		peers = append(peers, p)
		delete(r.peers, addr)
		close(p.done)
	}
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.adapter.Close()
		metrics.ForgetPeer(p.addr.String())
	}
	metrics.SetPeers(0)
	r.wg.Wait()
}

// Inject hands an event to the router as if a peer had sent it.
func (r *Router) Inject(ctx context.Context, ev *event.Event) error {
	select {
	case r.inbox <- ev:
		return nil
	case <-r.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit queues a router-generated event from a peer goroutine.
func (r *Router) submit(ev *event.Event) {
	if ev == nil {
		return
	}
	select {
	case r.inbox <- ev:
	case <-r.ctx.Done():
	}
}

func (r *Router) dispatch(ev *event.Event) {
	_, span := r.tracer.Start(r.ctx, "router.dispatch", trace.WithAttributes(telemetry.EventAttributes(ev)...))
	defer span.End()

	logger := r.logger.With().
		Str(log.FieldEventID, ev.ID.String()).
		Str(log.FieldKind, string(ev.Kind())).
		Str(log.FieldSource, ev.Source.String()).
		Str(log.FieldReceiver, ev.Receiver.String()).
		Logger()

	if err := r.causal.Observe(ev); err != nil {
		metrics.IncDropped("causal_cycle")
		logger.Warn().Err(err).Str(log.FieldEvent, "router.causal_cycle").Msg("dropping event")
		return
	}
	if ev.Source == ev.Receiver {
		metrics.IncDropped("dead_loop")
		logger.Warn().Str(log.FieldEvent, "router.dead_loop").Msg("dropping event addressed to its own sender")
		return
	}
	if ev.PostponeMS > 0 {
		span.SetAttributes(attribute.Int(telemetry.EventPostponeKey, int(ev.PostponeMS)))
		logger.Debug().Uint32("postpone_ms", ev.PostponeMS).Str(log.FieldEvent, "router.postponed").Msg("holding event")
		r.postponed.Schedule(ev)
		return
	}

	if ev.Kind() == event.KindCancel && !ev.RefID.IsZero() && r.postponed.Cancel(ev.RefID) {
		// A held retry of the cancelled event must not be released later.
		logger.Debug().Str(log.FieldEvent, "router.retry_dropped").Str(log.FieldRefID, ev.RefID.String()).Msg("dropped held event")
	}

	targets := r.resolve(ev.Receiver, ev.Source)
	if len(targets) == 0 {
		logger.Debug().Str(log.FieldEvent, "router.unknown_receiver").Msg("no peer for receiver")
		r.dispatchReport(r.undeliverable(ev, event.ErrKindUnknownReceiver, "no peer for "+ev.Receiver.String()))
		return
	}
	span.SetAttributes(attribute.Int(telemetry.RouterTargetsKey, len(targets)))

	// Every copy is taken before the first hand-off; a queued event belongs
	// to its peer.
	label := receiverLabel(ev.Receiver)
	outs := make([]*event.Event, len(targets))
	outs[0] = ev
	for i := 1; i < len(targets); i++ {
		outs[i] = ev.Clone()
	}
	for i, p := range targets {
		out := outs[i]
		if !p.breaker.Allow() {
			r.dispatchReport(r.undeliverable(out, event.ErrKindPeerUnavailable, p.addr.String()+" is degraded"))
			continue
		}
		select {
		case p.queue <- out:
			metrics.IncRouted(label)
		default:
			p.breaker.Failure("queue_full")
			r.dispatchReport(r.undeliverable(out, event.ErrKindPeerUnavailable, p.addr.String()+" queue full"))
		}
	}
}

// dispatchReport routes a router-generated report from the Run goroutine.
func (r *Router) dispatchReport(ev *event.Event) {
	if ev != nil {
		r.dispatch(ev)
	}
}

// undeliverable builds the error report for ev, or returns nil when ev
// must not be answered.
func (r *Router) undeliverable(ev *event.Event, kind event.ErrorKind, msg string) *event.Event {
	metrics.IncUndeliverable(string(kind))
	if r.deadLetters != nil {
		r.deadLetters.Record(ev, string(kind))
	}
	if ev.IsError() || ev.Source.IsZero() {
		// Never answer an error with an error.
		metrics.IncDropped("undeliverable_report")
		r.logger.Warn().
			Str(log.FieldEvent, "router.report_dropped").
			Str(log.FieldEventID, ev.ID.String()).
			Str(log.FieldReason, string(kind)).
			Msg("undeliverable error report dropped")
		return nil
	}
	rep := ev.ErrorReply(ev.Receiver, kind, msg)
	if ev.Receiver.IsGroup() || ev.Receiver.IsZero() {
		rep.Source = event.Daemon()
	}
	return rep
}

// resolve maps a receiver tag to peers. Group tags never include the
// sender itself.
func (r *Router) resolve(addr, sender event.Address) []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch addr.Kind {
	case event.AddrPlugin, event.AddrCommander, event.AddrUser:
		if p, ok := r.peers[addr]; ok {
			return []*peer{p}
		}
	case event.AddrDaemon:
		if p, ok := r.peers[addr]; ok {
			return []*peer{p}
		}
		if p, ok := r.peers[event.User()]; ok {
			return []*peer{p}
		}
	case event.AddrRole, event.AddrAllPlugins:
		var out []*peer
		for a, p := range r.peers {
			if a.Kind != event.AddrPlugin || a == sender {
				continue
			}
			if addr.Kind == event.AddrRole && !p.hasRole(addr.Name) {
				continue
			}
			out = append(out, p)
		}
		slices.SortFunc(out, func(a, b *peer) int {
			switch {
			case a.addr.Name < b.addr.Name:
				return -1
			case a.addr.Name > b.addr.Name:
				return 1
			}
			return 0
		})
		return out
	}
	return nil
}

func receiverLabel(a event.Address) string {
	switch a.Kind {
	case event.AddrPlugin:
		return "plugin"
	case event.AddrRole:
		return "role"
	default:
		return a.String()
	}
}

// Snapshot returns the state of every registered peer, sorted by address.
func (r *Router) Snapshot() []PeerStatus {
	r.mu.RLock()
	out := make([]PeerStatus, 0, len(r.peers))
	for addr, p := range r.peers {
		out = append(out, PeerStatus{
			Address:  addr.String(),
			Roles:    p.info.Roles,
			External: p.info.External,
			State:    string(p.breaker.State()),
			Queued:   len(p.queue),
			Inflight: p.inflightLen(),
		})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerStatus) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return out
}

// Plugins describes every registered plugin peer.
func (r *Router) Plugins() []event.PluginInfo {
	r.mu.RLock()
	out := make([]event.PluginInfo, 0, len(r.peers))
	for addr, p := range r.peers {
		if addr.Kind != event.AddrPlugin {
			continue
		}
		out = append(out, event.PluginInfo{
			Name:     addr.Name,
			Roles:    p.info.Roles,
			Accepts:  p.info.Accepts,
			Emits:    p.info.Emits,
			External: p.info.External,
			Degraded: p.breaker.Degraded(),
		})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b event.PluginInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Postponed returns the number of events held back.
func (r *Router) Postponed() int {
	return r.postponed.Len()
}

// CancelPostponed drops held-back events caused by ref.
func (r *Router) CancelPostponed(ref event.ID) int {
	return r.postponed.CancelRef(ref)
}
