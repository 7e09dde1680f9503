// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package postpone holds events back until their postponement elapses.
package postpone

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/metrics"
)

type item struct {
	ev       *event.Event
	deadline time.Time
	seq      uint64
	index    int
}

type deadlineHeap []*item

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	// Equal deadlines release in insertion order.
	return h[i].seq < h[j].seq
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a min-heap of events keyed by release time. It is safe for
// concurrent use.
type Queue struct {
	mu    sync.Mutex
	items deadlineHeap
	byID  map[event.ID]*item
	seq   uint64
	now   func() time.Time
	wake  chan struct{}
}

// Option customises a Queue.
type Option func(*Queue)

// WithClock injects the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		byID: make(map[event.ID]*item),
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Schedule holds ev for its PostponeMS and clears the field so the event is
// routed normally on release. Scheduling an id that is already queued
// replaces the earlier entry.
func (q *Queue) Schedule(ev *event.Event) {
	deadline := q.now().Add(ev.Postpone())
	ev.PostponeMS = 0

	q.mu.Lock()
	if old, ok := q.byID[ev.ID]; ok {
		heap.Remove(&q.items, old.index)
	}
	q.seq++
	it := &item{ev: ev, deadline: deadline, seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[ev.ID] = it
	head := q.items[0] == it
	n := len(q.items)
	q.mu.Unlock()

	metrics.SetPostponed(n)
	if head {
		q.signal()
	}
}

// Cancel drops the queued event with the given id.
func (q *Queue) Cancel(id event.ID) bool {
	q.mu.Lock()
	it, ok := q.byID[id]
	if ok {
		heap.Remove(&q.items, it.index)
		delete(q.byID, id)
	}
	n := len(q.items)
	q.mu.Unlock()

	if ok {
		metrics.SetPostponed(n)
	}
	return ok
}

// CancelRef drops every queued event caused by ref and returns how many.
func (q *Queue) CancelRef(ref event.ID) int {
	if ref.IsZero() {
		return 0
	}
	q.mu.Lock()
	var victims []*item
	for _, it := range q.items {
		if it.ev.RefID == ref {
			victims = append(victims, it)
		}
	}
	for _, it := range victims {
		heap.Remove(&q.items, it.index)
		delete(q.byID, it.ev.ID)
	}
	n := len(q.items)
	q.mu.Unlock()

	if len(victims) > 0 {
		metrics.SetPostponed(n)
	}
	return len(victims)
}

// PopDue removes and returns every event whose deadline is not after now,
// earliest first.
func (q *Queue) PopDue(now time.Time) []*event.Event {
	q.mu.Lock()
	var due []*event.Event
	for len(q.items) > 0 && !q.items[0].deadline.After(now) {
		it := heap.Pop(&q.items).(*item)
		delete(q.byID, it.ev.ID)
		due = append(due, it.ev)
	}
	n := len(q.items)
	q.mu.Unlock()

	if len(due) > 0 {
		metrics.SetPostponed(n)
	}
	return due
}

// NextDeadline returns the earliest release time.
func (q *Queue) NextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].deadline, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// idleWait bounds how long Run sleeps on an empty queue before rechecking.
const idleWait = time.Minute

// Run releases due events to out until ctx ends. It sleeps until the
// earliest deadline or until an earlier event is scheduled.
func (q *Queue) Run(ctx context.Context, out chan<- *event.Event) error {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		for _, ev := range q.PopDue(q.now()) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		wait := idleWait
		if next, ok := q.NextDeadline(); ok {
			wait = next.Sub(q.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-timer.C:
		}
	}
}
