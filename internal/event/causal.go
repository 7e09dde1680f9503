// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

import (
	"fmt"
	"sync"
)

// DefaultCausalWindow is the number of id -> ref links remembered.
const DefaultCausalWindow = 4096

// CausalIndex remembers a bounded window of recent id -> ref_id links and
// rejects events that would close a cycle in the causal forest.
type CausalIndex struct {
	mu      sync.Mutex
	parents map[ID]ID
	order   []ID
	next    int
	size    int
}

// NewCausalIndex returns an index remembering up to window links.
func NewCausalIndex(window int) *CausalIndex {
	if window <= 0 {
		window = DefaultCausalWindow
	}
	return &CausalIndex{
		parents: make(map[ID]ID, window),
		order:   make([]ID, window),
		size:    window,
	}
}

// Observe records e and returns ErrCausalCycle if e's ancestry reaches e.
// Observing the same event again (a retry) is accepted.
func (c *CausalIndex) Observe(e *Event) error {
	if e.RefID.IsZero() {
		return nil
	}
	if e.RefID == e.ID {
		return fmt.Errorf("%w: event %s references itself", ErrCausalCycle, e.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, seen := c.parents[e.ID]; seen {
		if prev == e.RefID {
			return nil
		}
		return fmt.Errorf("%w: event %s re-parented from %s to %s", ErrCausalCycle, e.ID, prev, e.RefID)
	}

	cur := e.RefID
	for steps := 0; steps < c.size; steps++ {
		parent, ok := c.parents[cur]
		if !ok {
			break
		}
		if parent == e.ID {
			return fmt.Errorf("%w: event %s is its own ancestor", ErrCausalCycle, e.ID)
		}
		cur = parent
	}

	if old := c.order[c.next]; !old.IsZero() {
		delete(c.parents, old)
	}
	c.order[c.next] = e.ID
	c.next = (c.next + 1) % c.size
	c.parents[e.ID] = e.RefID
	return nil
}

// Len returns the number of links currently remembered.
func (c *CausalIndex) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parents)
}
