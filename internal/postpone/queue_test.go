// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package postpone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/netplumb/internal/event"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func postponed(ms uint32) *event.Event {
	ev := event.New(event.Commander(), event.Role("dhcp"), &event.StartDHCP{IfaceIndex: 9})
	ev.PostponeMS = ms
	return ev
}

func ids(evs []*event.Event) []event.ID {
	out := make([]event.ID, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}

func TestPopDueOrdersByDeadlineThenInsertion(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	q := New(WithClock(clk.Now))

	late := postponed(300)
	early := postponed(100)
	tieA := postponed(200)
	tieB := postponed(200)
	for _, ev := range []*event.Event{late, early, tieA, tieB} {
		q.Schedule(ev)
	}
	require.Equal(t, 4, q.Len())
	assert.Zero(t, early.PostponeMS, "postponement is consumed on schedule")

	assert.Empty(t, q.PopDue(clk.Now().Add(99*time.Millisecond)))
	assert.Equal(t, []event.ID{early.ID}, ids(q.PopDue(clk.Now().Add(100*time.Millisecond))))
	assert.Equal(t, []event.ID{tieA.ID, tieB.ID, late.ID}, ids(q.PopDue(clk.Now().Add(time.Second))))
	assert.Zero(t, q.Len())
}

func TestRescheduleSameIDReplaces(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	q := New(WithClock(clk.Now))

	ev := postponed(100)
	q.Schedule(ev)
	retry := ev.Retry(500 * time.Millisecond)
	q.Schedule(retry)
	require.Equal(t, 1, q.Len())

	next, ok := q.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(500*time.Millisecond), next)
}

func TestCancelByIDAndRef(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	q := New(WithClock(clk.Now))

	parent := event.New(event.User(), event.Commander(), &event.ConnectionAdd{})
	a := parent.FollowUp(event.Commander(), event.Role("kernel"), &event.QueryState{})
	a.PostponeMS = 50
	b := parent.FollowUp(event.Commander(), event.Role("dhcp"), &event.StartDHCP{})
	b.PostponeMS = 60
	other := postponed(70)
	q.Schedule(a)
	q.Schedule(b)
	q.Schedule(other)

	assert.True(t, q.Cancel(other.ID))
	assert.False(t, q.Cancel(other.ID))
	assert.Equal(t, 2, q.CancelRef(parent.ID))
	assert.Zero(t, q.CancelRef(event.NilID))
	assert.Zero(t, q.Len())
	_, ok := q.NextDeadline()
	assert.False(t, ok)
}

func TestRunReleasesNoEarlierThanDeadline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := New()
	out := make(chan *event.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, out) }()

	start := time.Now()
	slow := postponed(120)
	fast := postponed(40)
	q.Schedule(slow)
	q.Schedule(fast)

	first := <-out
	firstAt := time.Since(start)
	second := <-out
	secondAt := time.Since(start)

	assert.Equal(t, fast.ID, first.ID)
	assert.Equal(t, slow.ID, second.ID)
	assert.GreaterOrEqual(t, firstAt, 40*time.Millisecond)
	assert.GreaterOrEqual(t, secondAt, 120*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunReleasesCancelledNothing(t *testing.T) {
	q := New()
	out := make(chan *event.Event, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	ev := postponed(50)
	q.Schedule(ev)
	require.True(t, q.Cancel(ev.ID))

	_ = q.Run(ctx, out)
	assert.Empty(t, out)
}
