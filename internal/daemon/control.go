// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/audit"
	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/transport"
)

// DaemonName is the key of the daemon's own entry in log level replies.
const DaemonName = "netplumbd"

const (
	defaultCollectTimeout = time.Second
	controlSweep          = 50 * time.Millisecond
	controlSendTimeout    = 2 * time.Second
	levelUnknown          = "unknown"
)

// pluginLister is the part of the router the control peer reads.
type pluginLister interface {
	Plugins() []event.PluginInfo
}

// gather collects log level replies from external plugins for one request.
type gather struct {
	req      *event.Event
	levels   map[string]string
	waiting  map[event.ID]string
	deadline time.Time
}

// control is the peer registered at the daemon address. It answers plugin
// info and log level requests and turns quit into a shutdown.
type control struct {
	link    transport.Adapter
	plugins pluginLister
	audit   *audit.Logger
	quit    func()
	collect time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	gathers map[event.ID]*gather
	// pending maps a follow-up id to the request it was sent for.
	pending map[event.ID]event.ID
}

func newControl(link transport.Adapter, plugins pluginLister, auditor *audit.Logger, quit func()) *control {
	return &control{
		link:    link,
		plugins: plugins,
		audit:   auditor,
		quit:    quit,
		collect: defaultCollectTimeout,
		now:     time.Now,
		logger:  log.WithComponent("control"),
		gathers: make(map[event.ID]*gather),
		pending: make(map[event.ID]event.ID),
	}
}

// Run serves the daemon address until ctx ends or the link closes.
func (c *control) Run(ctx context.Context) error {
	in := make(chan *event.Event, 64)
	go func() {
		defer close(in)
		for {
			ev, err := c.link.Receive(ctx)
			if err != nil {
				if transport.KindOf(err) == transport.KindMalformed {
					continue
				}
				return
			}
			select {
			case in <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(controlSweep)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			c.handle(ctx, ev)
		case <-ticker.C:
			c.sweep(ctx, c.now())
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *control) handle(ctx context.Context, ev *event.Event) {
	logger := c.logger.With().
		Str(log.FieldEventID, ev.ID.String()).
		Str(log.FieldKind, string(ev.Kind())).
		Str(log.FieldSource, ev.Source.String()).
		Logger()

	switch pl := ev.Payload.(type) {
	case *event.QueryPluginInfo:
		c.send(ctx, ev.Reply(event.Daemon(), &event.PluginInfoReply{Plugins: c.plugins.Plugins()}))

	case *event.QueryLogLevel:
		c.startGather(ctx, ev, &event.QueryLogLevel{})

	case *event.ChangeLogLevel:
		old := log.Level()
		if err := log.SetLevel(pl.Level); err != nil {
			c.send(ctx, ev.ErrorReply(event.Daemon(), event.ErrKindInvalidArgument, err.Error()))
			return
		}
		logger.Info().Str(log.FieldOldState, old).Str(log.FieldNewState, log.Level()).Str(log.FieldEvent, "control.log_level").Msg("log level changed")
		if c.audit != nil {
			c.audit.LogLevelChanged(ev.Source.String(), old, log.Level())
		}
		c.startGather(ctx, ev, &event.ChangeLogLevel{Level: log.Level()})

	case *event.LogLevelReply:
		c.settle(ctx, ev.RefID, pl.Levels, "")

	case *event.Error:
		if _, ok := c.pending[ev.RefID]; ok {
			c.settle(ctx, ev.RefID, nil, pl.Code)
			return
		}
		logger.Debug().Str(log.FieldRefID, ev.RefID.String()).Str(log.FieldReason, string(pl.Code)).Str(log.FieldEvent, "control.error_dropped").Msg("error report for daemon dropped")

	case *event.Quit:
		logger.Info().Str(log.FieldEvent, "control.quit").Msg("quit requested")
		if c.audit != nil {
			c.audit.Quit(ev.Source.String())
		}
		c.send(ctx, ev.Reply(event.Daemon(), &event.Done{Workflow: string(event.KindQuit)}))
		if c.quit != nil {
			c.quit()
		}

	case *event.Cancel, *event.Done, *event.Log:
		logger.Debug().Str(log.FieldEvent, "control.ignored").Msg("event ignored")

	default:
		c.send(ctx, ev.ErrorReply(event.Daemon(), event.ErrKindInvalidArgument, "daemon does not handle "+string(ev.Kind())))
	}
}

// startGather answers at once with the daemon's and native plugins' level
// and, when external plugins run, asks them first.
func (c *control) startGather(ctx context.Context, ev *event.Event, ask event.Payload) {
	level := log.Level()
	g := &gather{
		req:      ev,
		levels:   map[string]string{DaemonName: level},
		waiting:  make(map[event.ID]string),
		deadline: c.now().Add(c.collect),
	}
	for _, p := range c.plugins.Plugins() {
		if !p.External {
			// Native plugins share the daemon's logger.
			g.levels[p.Name] = level
			continue
		}
		var body event.Payload = &event.QueryLogLevel{}
		if change, ok := ask.(*event.ChangeLogLevel); ok {
			body = &event.ChangeLogLevel{Level: change.Level}
		}
		q := ev.FollowUp(event.Daemon(), event.Plugin(p.Name), body)
		if c.send(ctx, q) {
			g.waiting[q.ID] = p.Name
			c.pending[q.ID] = ev.ID
		} else {
			g.levels[p.Name] = levelUnknown
		}
	}
	if len(g.waiting) == 0 {
		c.send(ctx, ev.Reply(event.Daemon(), &event.LogLevelReply{Levels: g.levels}))
		return
	}
	c.gathers[ev.ID] = g
}

func (c *control) settle(ctx context.Context, followUp event.ID, levels map[string]string, failed event.ErrorKind) {
	reqID, ok := c.pending[followUp]
	if !ok {
		return
	}
	delete(c.pending, followUp)
	g, ok := c.gathers[reqID]
	if !ok {
		return
	}
	name := g.waiting[followUp]
	delete(g.waiting, followUp)
	if failed != "" {
		g.levels[name] = levelUnknown
	} else {
		maps.Copy(g.levels, levels)
	}
	if len(g.waiting) == 0 {
		c.finish(ctx, g)
	}
}

func (c *control) sweep(ctx context.Context, now time.Time) {
	for _, g := range c.gathers {
		if now.Before(g.deadline) {
			continue
		}
		for id, name := range g.waiting {
			g.levels[name] = levelUnknown
			delete(c.pending, id)
		}
		clear(g.waiting)
		c.finish(ctx, g)
	}
}

func (c *control) finish(ctx context.Context, g *gather) {
	delete(c.gathers, g.req.ID)
	c.send(ctx, g.req.Reply(event.Daemon(), &event.LogLevelReply{Levels: g.levels}))
}

func (c *control) send(ctx context.Context, ev *event.Event) bool {
	sctx, cancel := context.WithTimeout(ctx, controlSendTimeout)
	defer cancel()
	if err := c.link.Send(sctx, ev); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldEventID, ev.ID.String()).Str(log.FieldEvent, "control.send_failed").Msg("cannot send to switch")
		return false
	}
	return true
}
