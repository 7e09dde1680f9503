// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api accepts client connections on the daemon socket, forwards
// their requests to the switch and routes replies back to the connection
// that asked.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
	"github.com/ManuGH/netplumb/internal/ratelimit"
	"github.com/ManuGH/netplumb/internal/transport"
)

// ErrLinkClosed is returned by Serve when the switch side goes away.
var ErrLinkClosed = errors.New("switch link closed")

// Auditor records security relevant session activity.
type Auditor interface {
	SessionOpened(session uint64, remote string)
	SessionClosed(session uint64, cancelled int)
	Request(session uint64, ev *event.Event)
}

// Option customises a Manager.
type Option func(*Manager)

// WithAuditor records session activity in a.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.audit = a }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces the time source used for request deadlines.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type request struct {
	id       event.ID
	kind     event.Kind
	session  *Session
	receiver event.Address
	deadline time.Time
}

// Manager owns the client sessions and the correlation table.
type Manager struct {
	cfg     Config
	link    transport.Adapter
	limiter *ratelimit.Limiter
	audit   Auditor
	logger  zerolog.Logger
	now     func() time.Time

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*Session
	pending  map[event.ID]*request
	tomb     *tombstones

	wg sync.WaitGroup
}

// New creates a manager that talks to the switch over link. The switch end
// of link is registered with the router as the user peer.
func New(link transport.Adapter, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		link:     link,
		limiter:  ratelimit.New(cfg.RateLimit),
		logger:   log.WithComponent("api"),
		now:      time.Now,
		sessions: make(map[uint64]*Session),
		pending:  make(map[event.ID]*request),
		tomb:     newTombstones(cfg.Tombstones),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Serve accepts connections on ln until ctx ends or the switch link
// closes. It closes ln and every session before returning.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.acceptLoop(gctx, ln) })
	g.Go(func() error { return m.switchLoop(gctx) })
	g.Go(func() error {
		m.sweepLoop(gctx)
		return nil
	})
	err := g.Wait()
	m.wg.Wait()
	return err
}

// ServeConn runs one client connection until it closes or ctx ends.
func (m *Manager) ServeConn(ctx context.Context, conn net.Conn) {
	framed := transport.NewFramed(conn,
		transport.WithMaxFrame(m.cfg.MaxFrame),
		transport.WithWriteTimeout(m.cfg.SendTimeout),
		transport.WithLogger(m.logger))
	s := m.open(framed, conn.RemoteAddr())
	writer := make(chan struct{})
	go func() {
		defer close(writer)
		m.writeLoop(s)
	}()
	defer func() {
		m.close(s)
		<-writer
	}()
	stop := context.AfterFunc(ctx, func() { _ = framed.Close() })
	defer stop()

	for {
		ev, err := framed.Receive(ctx)
		if err != nil {
			if transport.KindOf(err) == transport.KindMalformed {
				metrics.IncRequest("malformed")
				continue
			}
			return
		}
		m.handleRequest(ctx, s, ev)
	}
}

func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			// Retry transient accept failures such as EMFILE.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			m.logger.Warn().Err(err).Str(log.FieldEvent, "api.accept_failed").Dur("retry_in", backoff).Msg("accept failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.ServeConn(ctx, conn)
		}()
	}
}

func (m *Manager) switchLoop(ctx context.Context) error {
	for {
		ev, err := m.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch transport.KindOf(err) {
			case transport.KindMalformed:
				continue
			case transport.KindTimeout:
				return nil
			}
			return fmt.Errorf("%w: %w", ErrLinkClosed, err)
		}
		m.deliver(ev)
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.expire(m.now())
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) open(conn transport.Adapter, remote net.Addr) *Session {
	id := m.nextID.Add(1)
	s := &Session{
		id:      id,
		conn:    conn,
		opened:  m.now(),
		pending: make(map[event.ID]struct{}),
		out:     make(chan *event.Event, m.cfg.WriteQueue),
		done:    make(chan struct{}),
		logger:  m.logger.With().Uint64(log.FieldSessionID, id).Logger(),
	}
	if remote != nil {
		s.remote = remote.String()
	}

	m.mu.Lock()
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.IncSessionsAccepted()
	metrics.SetSessions(n)
	s.logger.Debug().Str(log.FieldEvent, "api.session_opened").Msg("client connected")
	if m.audit != nil {
		m.audit.SessionOpened(id, s.remote)
	}
	return s
}

// close removes s and everything it still waits for. Every pending request
// is cancelled towards its receiver.
func (m *Manager) close(s *Session) {
	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return
	}
	s.closed = true
	delete(m.sessions, s.id)
	reqs := make([]*request, 0, len(s.pending))
	for id := range s.pending {
		if req, ok := m.pending[id]; ok {
			reqs = append(reqs, req)
			delete(m.pending, id)
		}
		m.tomb.add(id)
	}
	s.pending = nil
	sessions, pending := len(m.sessions), len(m.pending)
	m.mu.Unlock()
	close(s.done)

	_ = s.conn.Close()
	m.limiter.Forget(s.id)
	metrics.SetSessions(sessions)
	metrics.SetPendingRequests(pending)

	for _, req := range reqs {
		metrics.IncRequest("cancelled")
		m.emitCancel(req, "client disconnected")
	}
	s.logger.Debug().
		Str(log.FieldEvent, "api.session_closed").
		Int("cancelled", len(reqs)).
		Msg("client disconnected")
	if m.audit != nil {
		m.audit.SessionClosed(s.id, len(reqs))
	}
}

func (m *Manager) handleRequest(ctx context.Context, s *Session, ev *event.Event) {
	if ev.ID.IsZero() {
		ev.ID = event.NewID()
	}
	ev.Source = event.User()
	if ev.Receiver.IsZero() {
		ev.Receiver = event.Commander()
	}
	ev.State = event.StatePending

	logger := s.logger.With().
		Str(log.FieldEventID, ev.ID.String()).
		Str(log.FieldKind, string(ev.Kind())).
		Logger()

	if !m.limiter.Allow(s.id) {
		metrics.IncRequest("rate_limited")
		m.reject(s, ev, event.ErrKindRateLimited, "request rate exceeded")
		return
	}

	switch {
	case ev.Payload == nil:
		m.reject(s, ev, event.ErrKindInvalidArgument, "event has no payload")
		return
	case ev.IsError():
		metrics.IncRequest("rejected")
		logger.Debug().Str(log.FieldEvent, "api.client_error_dropped").Msg("dropping error event from client")
		return
	case ev.RefID == ev.ID:
		m.reject(s, ev, event.ErrKindInvalidArgument, "event refers to itself")
		return
	case ev.Receiver == event.User():
		m.reject(s, ev, event.ErrKindInvalidArgument, "requests cannot be addressed to the user")
		return
	case ev.Kind() == event.KindCancel:
		m.clientCancel(s, ev)
		return
	}

	timeout := ev.Timeout()
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}
	req := &request{
		id:       ev.ID,
		kind:     ev.Kind(),
		session:  s,
		receiver: ev.Receiver,
		deadline: m.now().Add(timeout),
	}

	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return
	}
	if _, dup := m.pending[ev.ID]; dup || m.tomb.has(ev.ID) {
		m.mu.Unlock()
		m.reject(s, ev, event.ErrKindInvalidArgument, "duplicate request id "+ev.ID.String())
		return
	}
	m.pending[ev.ID] = req
	s.pending[ev.ID] = struct{}{}
	n := len(m.pending)
	m.mu.Unlock()

	metrics.SetPendingRequests(n)
	metrics.IncRequest("accepted")
	if m.audit != nil {
		m.audit.Request(s.id, ev)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	err := m.link.Send(sendCtx, ev)
	cancel()
	if err == nil {
		logger.Debug().Str(log.FieldEvent, "api.request_forwarded").Str(log.FieldReceiver, req.receiver.String()).Msg("request forwarded")
		return
	}
	logger.Warn().Err(err).Str(log.FieldEvent, "api.forward_failed").Msg("switch did not accept request")
	if m.forget(ev.ID) {
		m.reply(s, ev.ErrorReply(event.Daemon(), event.ErrKindPeerUnavailable, "switch unavailable"))
	}
}

// clientCancel withdraws one of the session's own requests.
func (m *Manager) clientCancel(s *Session, ev *event.Event) {
	m.mu.Lock()
	req, ok := m.pending[ev.RefID]
	if !ok || req.session != s {
		m.mu.Unlock()
		s.logger.Debug().
			Str(log.FieldEvent, "api.cancel_ignored").
			Str(log.FieldRefID, ev.RefID.String()).
			Msg("cancel for unknown request")
		return
	}
	m.removeLocked(req)
	m.tomb.add(req.id)
	n := len(m.pending)
	m.mu.Unlock()

	metrics.SetPendingRequests(n)
	metrics.IncRequest("cancelled")
	reason := "cancelled by client"
	if c, ok := ev.Payload.(*event.Cancel); ok && c.Reason != "" {
		reason = c.Reason
	}
	m.emitCancel(req, reason)
}

// deliver routes an event coming from the switch to the session that owns
// its RefID.
func (m *Manager) deliver(ev *event.Event) {
	if ev.RefID.IsZero() {
		if ev.Kind() == event.KindLog {
			m.broadcast(ev)
			return
		}
		m.logger.Debug().
			Str(log.FieldEvent, "api.unsolicited").
			Str(log.FieldEventID, ev.ID.String()).
			Str(log.FieldKind, string(ev.Kind())).
			Msg("discarding event without ref")
		return
	}

	m.mu.Lock()
	req, ok := m.pending[ev.RefID]
	if !ok {
		late := m.tomb.has(ev.RefID)
		m.mu.Unlock()
		if late {
			metrics.IncLateReply()
		}
		m.logger.Debug().
			Str(log.FieldEvent, "api.reply_discarded").
			Str(log.FieldRefID, ev.RefID.String()).
			Str(log.FieldKind, string(ev.Kind())).
			Bool("late", late).
			Msg("no pending request for reply")
		return
	}
	s := req.session
	terminal := ev.Kind() != event.KindLog
	if terminal {
		m.removeLocked(req)
	}
	n := len(m.pending)
	m.mu.Unlock()

	if terminal {
		metrics.SetPendingRequests(n)
		metrics.IncRequest("replied")
	}
	ev.Receiver = event.User()
	m.reply(s, ev)
}

func (m *Manager) broadcast(ev *event.Event) {
	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}
	outs := make([]*event.Event, len(targets))
	outs[0] = ev
	for i := 1; i < len(targets); i++ {
		outs[i] = ev.Clone()
	}
	for i, s := range targets {
		m.reply(s, outs[i])
	}
}

// expire fails every request whose deadline is not after now.
func (m *Manager) expire(now time.Time) {
	m.mu.Lock()
	var expired []*request
	for _, req := range m.pending {
		if !now.Before(req.deadline) {
			expired = append(expired, req)
		}
	}
	for _, req := range expired {
		m.removeLocked(req)
		m.tomb.add(req.id)
	}
	n := len(m.pending)
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	metrics.SetPendingRequests(n)
	for _, req := range expired {
		metrics.IncRequest("expired")
		req.session.logger.Info().
			Str(log.FieldEvent, "api.request_expired").
			Str(log.FieldEventID, req.id.String()).
			Str(log.FieldKind, string(req.kind)).
			Msg("request deadline exceeded")
		rep := &event.Event{
			ID:       event.NewID(),
			RefID:    req.id,
			State:    event.StatePending,
			Source:   event.Daemon(),
			Receiver: event.User(),
			Payload:  &event.Error{Code: event.ErrKindDeadlineExceeded, Message: "no reply within deadline"},
		}
		m.reply(req.session, rep)
		m.emitCancel(req, "deadline exceeded")
	}
}

// removeLocked drops req from the correlation table. m.mu must be held.
func (m *Manager) removeLocked(req *request) {
	delete(m.pending, req.id)
	if req.session.pending != nil {
		delete(req.session.pending, req.id)
	}
}

// forget removes id and reports whether it was still pending.
func (m *Manager) forget(id event.ID) bool {
	m.mu.Lock()
	req, ok := m.pending[id]
	if ok {
		m.removeLocked(req)
	}
	n := len(m.pending)
	m.mu.Unlock()
	metrics.SetPendingRequests(n)
	return ok
}

func (m *Manager) emitCancel(req *request, reason string) {
	ev := event.New(event.User(), req.receiver, &event.Cancel{Reason: reason})
	ev.RefID = req.id
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()
	if err := m.link.Send(ctx, ev); err != nil {
		m.logger.Debug().
			Err(err).
			Str(log.FieldEvent, "api.cancel_failed").
			Str(log.FieldRefID, req.id.String()).
			Msg("could not forward cancellation")
	}
}

func (m *Manager) reject(s *Session, ev *event.Event, kind event.ErrorKind, msg string) {
	if kind != event.ErrKindRateLimited {
		metrics.IncRequest("rejected")
	}
	m.reply(s, ev.ErrorReply(event.Daemon(), kind, msg))
}

// reply queues ev for s without blocking. A client that lets its queue
// fill up is disconnected.
func (m *Manager) reply(s *Session, ev *event.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- ev:
	default:
		metrics.IncRequest("reply_overflow")
		s.logger.Warn().
			Str(log.FieldEvent, "api.slow_client").
			Str(log.FieldRefID, ev.RefID.String()).
			Int("queue", cap(s.out)).
			Msg("client is not reading replies, closing session")
		_ = s.conn.Close()
	}
}

// writeLoop writes queued replies to the client until s is closed.
func (m *Manager) writeLoop(s *Session) {
	for {
		select {
		case ev := <-s.out:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
			err := s.conn.Send(ctx, ev)
			cancel()
			if err != nil {
				s.logger.Debug().
					Err(err).
					Str(log.FieldEvent, "api.reply_failed").
					Msg("could not write to client")
			}
		case <-s.done:
			return
		}
	}
}

// Sessions returns the number of open client connections.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Pending returns the number of requests awaiting a reply.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
