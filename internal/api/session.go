// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/transport"
)

// Session is one accepted client connection.
type Session struct {
	id     uint64
	conn   transport.Adapter
	remote string
	opened time.Time
	logger zerolog.Logger

	// out feeds the session's writer; done closes once with the session.
	out  chan *event.Event
	done chan struct{}

	// Guarded by Manager.mu.
	pending map[event.ID]struct{}
	closed  bool
}

// ID returns the session id, unique for the life of the process.
func (s *Session) ID() uint64 { return s.id }

// Remote returns the peer address reported by the socket, if any.
func (s *Session) Remote() string { return s.remote }

// Opened returns when the connection was accepted.
func (s *Session) Opened() time.Time { return s.opened }
