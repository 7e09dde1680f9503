// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package journal keeps a dead-letter record of events the switch could
// not deliver and requests whose workflow failed. Recording never blocks
// the caller: entries are queued and written by Run.
package journal

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
)

// Origins of journal entries.
const (
	OriginRouter    = "router"
	OriginCommander = "commander"
)

const (
	defaultQueueSize  = 1024
	defaultRetention  = 7 * 24 * time.Hour
	defaultPruneEvery = time.Hour
	drainTimeout      = 2 * time.Second
)

// Option customises a Journal.
type Option func(*Journal)

// WithRetention sets how long entries are kept.
func WithRetention(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.retention = d
		}
	}
}

// WithQueueSize bounds the number of entries waiting to be written.
func WithQueueSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.queueSize = n
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Journal is the asynchronous writer in front of a Store.
type Journal struct {
	store      *Store
	queueSize  int
	queue      chan Entry
	retention  time.Duration
	pruneEvery time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates a journal writing to store.
func New(store *Store, opts ...Option) *Journal {
	j := &Journal{
		store:      store,
		queueSize:  defaultQueueSize,
		retention:  defaultRetention,
		pruneEvery: defaultPruneEvery,
		now:        time.Now,
		logger:     log.WithComponent("journal"),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.queue = make(chan Entry, j.queueSize)
	return j
}

// Sink records entries tagged with one origin. It satisfies the switch's
// dead-letter and the commander's failure interfaces.
type Sink struct {
	j      *Journal
	origin string
}

// Sink returns a recorder for origin.
func (j *Journal) Sink(origin string) *Sink {
	return &Sink{j: j, origin: origin}
}

// Record queues ev with reason. When the queue is full the entry is
// dropped and counted.
func (s *Sink) Record(ev *event.Event, reason string) {
	s.j.enqueue(s.origin, ev, reason)
}

func (j *Journal) enqueue(origin string, ev *event.Event, reason string) {
	raw, err := event.Marshal(ev)
	if err != nil {
		metrics.IncJournalWrite(reason, "encode_error")
		j.logger.Warn().Err(err).Str(log.FieldEventID, ev.ID.String()).Str(log.FieldEvent, "journal.encode_failed").Msg("cannot encode event")
		return
	}
	e := Entry{
		RecordedAt: j.now(),
		Origin:     origin,
		Reason:     reason,
		EventID:    ev.ID.String(),
		Kind:       string(ev.Kind()),
		Source:     ev.Source.String(),
		Receiver:   ev.Receiver.String(),
		Event:      raw,
	}
	if !ev.RefID.IsZero() {
		e.RefID = ev.RefID.String()
	}
	select {
	case j.queue <- e:
	default:
		metrics.IncJournalWrite(reason, "dropped")
		j.logger.Warn().Str(log.FieldEventID, e.EventID).Str(log.FieldReason, reason).Str(log.FieldEvent, "journal.dropped").Msg("journal queue full")
	}
}

// Run writes queued entries and prunes expired ones until ctx ends. Entries
// still queued at that point are written before it returns.
func (j *Journal) Run(ctx context.Context) error {
	prune := time.NewTicker(j.pruneEvery)
	defer prune.Stop()
	// Writes already dequeued finish even when ctx ends meanwhile.
	wctx := context.WithoutCancel(ctx)
	j.prune(wctx)

	for {
		select {
		case e := <-j.queue:
			j.write(wctx, e)
		case <-prune.C:
			j.prune(wctx)
		case <-ctx.Done():
			j.drain()
			return nil
		}
	}
}

func (j *Journal) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e Entry) {
	if _, err := j.store.Insert(ctx, e); err != nil {
		metrics.IncJournalWrite(e.Reason, "error")
		j.logger.Error().Err(err).Str(log.FieldEventID, e.EventID).Str(log.FieldEvent, "journal.write_failed").Msg("cannot write journal entry")
		return
	}
	metrics.IncJournalWrite(e.Reason, "ok")
}

func (j *Journal) prune(ctx context.Context) {
	n, err := j.store.Prune(ctx, j.now().Add(-j.retention))
	if err != nil {
		j.logger.Warn().Err(err).Str(log.FieldEvent, "journal.prune_failed").Msg("cannot prune journal")
		return
	}
	if n > 0 {
		j.logger.Info().Int64("removed", n).Str(log.FieldEvent, "journal.pruned").Msg("pruned expired journal entries")
	}
}

// List returns journaled entries, newest first.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	return j.store.List(ctx, q)
}

// Check reports whether the database answers.
func (j *Journal) Check(ctx context.Context) error {
	return j.store.Ping(ctx)
}

// Pending returns the number of queued entries.
func (j *Journal) Pending() int {
	return len(j.queue)
}
