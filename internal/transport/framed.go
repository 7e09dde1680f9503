// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
)

// MaxFrameSize bounds a single serialized event.
const MaxFrameSize = 10 << 20

// DefaultWriteTimeout applies when Send's context has no deadline.
const DefaultWriteTimeout = 5 * time.Second

const (
	headerSize  = 4
	readBacklog = 64
)

type frameResult struct {
	ev  *event.Event
	err error
}

// Framed carries events over a stream connection as a 4-byte big-endian
// length followed by the encoded event. A single reader goroutine owns the
// read side so a cancelled Receive never leaves a half-read frame behind.
type Framed struct {
	conn         net.Conn
	maxFrame     int
	writeTimeout time.Duration
	logger       zerolog.Logger

	wmu    sync.Mutex
	broken bool

	in        chan frameResult
	done      chan struct{}
	closeOnce sync.Once

	errMu    sync.Mutex
	fatalErr error
}

// FramedOption customises a Framed adapter.
type FramedOption func(*Framed)

// WithMaxFrame overrides MaxFrameSize.
func WithMaxFrame(n int) FramedOption {
	return func(f *Framed) {
		if n > 0 {
			f.maxFrame = n
		}
	}
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) FramedOption {
	return func(f *Framed) {
		if d > 0 {
			f.writeTimeout = d
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) FramedOption {
	return func(f *Framed) { f.logger = l }
}

// NewFramed wraps conn and starts its reader goroutine.
func NewFramed(conn net.Conn, opts ...FramedOption) *Framed {
	f := &Framed{
		conn:         conn,
		maxFrame:     MaxFrameSize,
		writeTimeout: DefaultWriteTimeout,
		logger:       log.WithComponent("transport"),
		in:           make(chan frameResult, readBacklog),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	go f.readLoop()
	return f
}

func (f *Framed) Send(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return newError("send", KindMalformed, errors.New("nil event"))
	}
	if err := ctx.Err(); err != nil {
		return newError("send", KindTimeout, err)
	}
	body, err := event.Marshal(ev)
	if err != nil {
		return newError("send", KindMalformed, err)
	}
	if len(body) > f.maxFrame {
		return errorf("send", KindMalformed, "frame of %d bytes exceeds limit %d", len(body), f.maxFrame)
	}

	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)

	f.wmu.Lock()
	defer f.wmu.Unlock()
	if f.broken {
		return newError("send", KindClosed, nil)
	}
	select {
	case <-f.done:
		return newError("send", KindClosed, nil)
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(f.writeTimeout)
	}
	_ = f.conn.SetWriteDeadline(deadline)
	_, err = f.conn.Write(buf)
	_ = f.conn.SetWriteDeadline(time.Time{})
	if err == nil {
		return nil
	}

	// A partial write leaves the stream unusable.
	f.broken = true
	go f.Close()
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return newError("send", KindTimeout, err)
	}
	return newError("send", KindClosed, err)
}

func (f *Framed) Receive(ctx context.Context) (*event.Event, error) {
	select {
	case r, ok := <-f.in:
		if !ok {
			return nil, f.terminalErr()
		}
		return r.ev, r.err
	case <-ctx.Done():
		return nil, newError("receive", KindTimeout, ctx.Err())
	}
}

// Close closes the connection; the reader goroutine exits shortly after.
func (f *Framed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.conn.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (f *Framed) Done() <-chan struct{} {
	return f.done
}

func (f *Framed) terminalErr() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	if f.fatalErr != nil {
		return f.fatalErr
	}
	return newError("receive", KindClosed, nil)
}

func (f *Framed) readLoop() {
	defer close(f.in)
	header := make([]byte, headerSize)
	for {
		ev, fatal, err := f.readFrame(header)
		if fatal {
			f.errMu.Lock()
			f.fatalErr = err
			f.errMu.Unlock()
			_ = f.Close()
			return
		}
		if err != nil {
			f.logger.Warn().Err(err).Str(log.FieldEvent, "transport.frame_dropped").Msg("dropping undecodable frame")
		}
		select {
		case f.in <- frameResult{ev: ev, err: err}:
		case <-f.done:
			return
		}
	}
}

// readFrame returns fatal=true when the stream can no longer be trusted.
func (f *Framed) readFrame(header []byte) (*event.Event, bool, error) {
	if _, err := io.ReadFull(f.conn, header); err != nil {
		return nil, true, newError("receive", KindClosed, err)
	}
	size := binary.BigEndian.Uint32(header)
	if size == 0 {
		// A zero length frame is the peer's close marker.
		return nil, true, newError("receive", KindClosed, nil)
	}
	if int64(size) > int64(f.maxFrame) {
		return nil, true, errorf("receive", KindMalformed, "frame of %d bytes exceeds limit %d", size, f.maxFrame)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(f.conn, body); err != nil {
		return nil, true, newError("receive", KindClosed, err)
	}
	ev, err := event.Unmarshal(body)
	if err != nil {
		return nil, false, newError("receive", KindMalformed, err)
	}
	return ev, false, nil
}

var _ Adapter = (*Framed)(nil)
