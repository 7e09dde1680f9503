// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import "github.com/ManuGH/netplumb/internal/event"

// tombstones is a bounded set of request ids that were cancelled or expired.
// The oldest id is forgotten first.
type tombstones struct {
	ring []event.ID
	set  map[event.ID]struct{}
	next int
}

func newTombstones(size int) *tombstones {
	return &tombstones{
		ring: make([]event.ID, size),
		set:  make(map[event.ID]struct{}, size),
	}
}

func (t *tombstones) add(id event.ID) {
	if _, ok := t.set[id]; ok {
		return
	}
	if old := t.ring[t.next]; !old.IsZero() {
		delete(t.set, old)
	}
	t.ring[t.next] = id
	t.set[id] = struct{}{}
	t.next = (t.next + 1) % len(t.ring)
}

func (t *tombstones) has(id event.ID) bool {
	_, ok := t.set[id]
	return ok
}
