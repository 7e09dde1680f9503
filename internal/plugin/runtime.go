// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
	"github.com/ManuGH/netplumb/internal/transport"
)

const (
	defaultSendTimeout = 2 * time.Second
	stopTimeout        = 5 * time.Second
)

type runConfig struct {
	levelControl bool
	sendTimeout  time.Duration
	logger       *zerolog.Logger
}

// RunOption customises Run.
type RunOption func(*runConfig)

// WithLevelControl lets change_log_level adjust this process's log level.
// Only external plugins own their process.
func WithLevelControl() RunOption {
	return func(c *runConfig) { c.levelControl = true }
}

// WithSendTimeout bounds every send towards the switch.
func WithSendTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithRunLogger replaces the plugin logger.
func WithRunLogger(l zerolog.Logger) RunOption {
	return func(c *runConfig) { c.logger = &l }
}

type emitter struct {
	addr    event.Address
	adapter transport.Adapter
	timeout time.Duration
}

func (e *emitter) Emit(ctx context.Context, ev *event.Event) error {
	if ev.ID.IsZero() {
		ev.ID = event.NewID()
	}
	if ev.Source.IsZero() {
		ev.Source = e.addr
	}
	if ev.State == "" {
		ev.State = event.StatePending
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.adapter.Send(ctx, ev)
}

func (e *emitter) Log(ctx context.Context, level, msg string) error {
	return e.Emit(ctx, event.New(e.addr, event.Commander(), &event.Log{
		Level:   level,
		Source:  e.addr.Name,
		Message: msg,
	}))
}

// Run starts p, feeds it every event arriving on a and sends its outputs
// back, until ctx ends, a closes or a quit event arrives. p is stopped
// before Run returns.
func Run(ctx context.Context, p Plugin, a transport.Adapter, opts ...RunOption) (err error) {
	cfg := runConfig{sendTimeout: defaultSendTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	info := p.Info()
	if err := info.Validate(); err != nil {
		return err
	}
	addr := info.Address()
	logger := log.WithComponent("plugin").With().Str(log.FieldPlugin, info.Name).Logger()
	if cfg.logger != nil {
		logger = *cfg.logger
	}
	em := &emitter{addr: addr, adapter: a, timeout: cfg.sendTimeout}

	if n, ok := p.(Notifier); ok {
		n.Attach(em)
	}
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start plugin %s: %w", info.Name, err)
	}
	logger.Info().Str(log.FieldEvent, "plugin.started").Msg("plugin started")
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if stopErr := p.Stop(stopCtx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stop plugin %s: %w", info.Name, stopErr))
		}
		logger.Info().Str(log.FieldEvent, "plugin.stopped").Msg("plugin stopped")
	}()

	for {
		ev, rerr := a.Receive(ctx)
		if rerr != nil {
			switch transport.KindOf(rerr) {
			case transport.KindMalformed:
				metrics.IncPluginEvent(info.Name, "malformed")
				continue
			case transport.KindTimeout, transport.KindClosed:
				return nil
			}
			return rerr
		}

		var outs []*event.Event
		switch ev.Payload.(type) {
		case *event.Quit:
			logger.Info().Str(log.FieldEvent, "plugin.quit").Msg("quit requested")
			return nil
		case *event.QueryPluginInfo:
			outs = []*event.Event{ev.Reply(addr, &event.PluginInfoReply{Plugins: []event.PluginInfo{info.describe()}})}
		case *event.ChangeLogLevel:
			outs = []*event.Event{changeLevel(ev, addr, info.Name, cfg.levelControl)}
		case *event.QueryLogLevel:
			outs = []*event.Event{ev.Reply(addr, &event.LogLevelReply{Levels: map[string]string{info.Name: log.Level()}})}
		default:
			outs = handle(ctx, p, ev, addr, logger)
		}

		for _, out := range outs {
			if out == nil {
				continue
			}
			if serr := em.Emit(ctx, out); serr != nil {
				logger.Warn().
					Err(serr).
					Str(log.FieldEvent, "plugin.send_failed").
					Str(log.FieldEventID, out.ID.String()).
					Msg("output not accepted")
				if errors.Is(serr, transport.ErrClosed) {
					return nil
				}
			}
		}
	}
}

func changeLevel(ev *event.Event, addr event.Address, name string, apply bool) *event.Event {
	level := ev.Payload.(*event.ChangeLogLevel).Level
	if apply {
		if err := log.SetLevel(level); err != nil {
			return ev.ErrorReply(addr, event.ErrKindInvalidArgument, err.Error())
		}
	}
	return ev.Reply(addr, &event.LogLevelReply{Levels: map[string]string{name: log.Level()}})
}

// handle runs OnEvent, turning errors and panics into error replies.
func handle(ctx context.Context, p Plugin, ev *event.Event, addr event.Address, logger zerolog.Logger) (outs []*event.Event) {
	name := addr.Name
	defer func() {
		if r := recover(); r != nil {
			metrics.IncPluginEvent(name, "panic")
			logger.Error().
				Str(log.FieldEvent, "plugin.panic").
				Str(log.FieldEventID, ev.ID.String()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("plugin panicked")
			outs = nil
			if !ev.IsError() {
				outs = []*event.Event{ev.ErrorReply(addr, event.ErrKindFailed, fmt.Sprintf("panic: %v", r))}
			}
		}
	}()

	outs, err := p.OnEvent(ctx, ev)
	if err == nil {
		metrics.IncPluginEvent(name, "ok")
		return outs
	}
	metrics.IncPluginEvent(name, "error")
	logger.Warn().
		Err(err).
		Str(log.FieldEvent, "plugin.event_failed").
		Str(log.FieldEventID, ev.ID.String()).
		Str(log.FieldKind, string(ev.Kind())).
		Msg("event handling failed")
	if ev.IsError() {
		// Never answer an error with an error.
		return outs
	}
	kind := event.ErrKindFailed
	var remote *event.RemoteError
	if errors.As(err, &remote) {
		kind = remote.Kind
	}
	return append(outs, ev.ErrorReply(addr, kind, err.Error()))
}
