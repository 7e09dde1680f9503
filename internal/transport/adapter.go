// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package transport moves events between the router and its peers, either
// in-process over channels or across a unix socket with length-prefixed
// frames. Both sides look the same to callers.
package transport

import (
	"context"

	"github.com/ManuGH/netplumb/internal/event"
)

// Adapter is one end of a bidirectional event link.
//
// Send transfers ownership of ev to the receiving side; callers must not
// mutate ev afterwards. Events sent from one Adapter arrive at its peer in
// send order. Both calls honour ctx; a cancelled or expired ctx yields a
// KindTimeout error. Once either side closes, operations fail with
// KindClosed.
type Adapter interface {
	Send(ctx context.Context, ev *event.Event) error
	Receive(ctx context.Context) (*event.Event, error)
	Close() error
}
