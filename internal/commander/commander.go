// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package commander expands inbound requests into workflows of follow-up
// events, tracks each task's retries and deadline, and reports one result
// back to the requester.
//
// All workflow state is owned by the goroutine running Run. The only way in
// or out is the commander's transport adapter.
package commander

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
	"github.com/ManuGH/netplumb/internal/telemetry"
	"github.com/ManuGH/netplumb/internal/transport"
)

const inboxSize = 256

// FailureSink receives inbound events whose workflow failed.
type FailureSink interface {
	Record(ev *event.Event, reason string)
}

// Option customises a Commander.
type Option func(*Commander)

// WithPlanner registers p for kind, replacing a built-in planner.
func WithPlanner(kind event.Kind, p Planner) Option {
	return func(c *Commander) { c.planners[kind] = p }
}

// WithFailures records failed workflows in sink.
func WithFailures(sink FailureSink) Option {
	return func(c *Commander) { c.failures = sink }
}

// WithClock replaces the time source used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Commander) { c.now = now }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Commander) { c.logger = l }
}

// Commander is the workflow engine.
type Commander struct {
	cfg      Config
	link     transport.Adapter
	planners map[event.Kind]Planner
	failures FailureSink
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	workflows map[event.ID]*workflow
	tasks     map[event.ID]*task
	rules     []event.MonitorRule

	active    atomic.Int64
	ruleCount atomic.Int64
}

// New creates a commander talking to the switch over link.
func New(link transport.Adapter, cfg Config, opts ...Option) *Commander {
	c := &Commander{
		cfg:       cfg.withDefaults(),
		link:      link,
		logger:    log.WithComponent("commander"),
		tracer:    telemetry.Tracer("github.com/ManuGH/netplumb/internal/commander"),
		now:       time.Now,
		workflows: make(map[event.ID]*workflow),
		tasks:     make(map[event.ID]*task),
	}
	c.planners = c.builtinPlanners()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active returns the number of workflows in progress.
func (c *Commander) Active() int { return int(c.active.Load()) }

// Rules returns the number of registered monitor rules.
func (c *Commander) Rules() int { return int(c.ruleCount.Load()) }

// Run processes events until ctx ends or the link closes.
func (c *Commander) Run(ctx context.Context) error {
	in := make(chan *event.Event, inboxSize)
	recvErr := make(chan error, 1)
	go c.receive(ctx, in, recvErr)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.logger.Info().Str(log.FieldEvent, "commander.started").Msg("commander running")
	for {
		select {
		case ev := <-in:
			c.handle(ctx, ev)
		case <-ticker.C:
			c.sweep(ctx, c.now())
		case err := <-recvErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrLinkClosed, err)
		case <-ctx.Done():
			c.logger.Info().
				Str(log.FieldEvent, "commander.stopped").
				Int("abandoned", len(c.workflows)).
				Msg("commander stopped")
			return nil
		}
	}
}

func (c *Commander) receive(ctx context.Context, in chan<- *event.Event, errc chan<- error) {
	for {
		ev, err := c.link.Receive(ctx)
		if err != nil {
			if transport.KindOf(err) == transport.KindMalformed {
				continue
			}
			errc <- err
			return
		}
		select {
		case in <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Commander) handle(ctx context.Context, ev *event.Event) {
	if !ev.RefID.IsZero() {
		if t, ok := c.tasks[ev.RefID]; ok {
			c.onTaskReply(ctx, t, ev)
			return
		}
	}

	logger := c.logger.With().
		Str(log.FieldEventID, ev.ID.String()).
		Str(log.FieldKind, string(ev.Kind())).
		Str(log.FieldSource, ev.Source.String()).
		Logger()

	switch p := ev.Payload.(type) {
	case *event.Cancel:
		if wf, ok := c.workflows[ev.RefID]; ok {
			c.abort(ctx, wf, p.Reason)
			return
		}
		logger.Debug().Str(log.FieldEvent, "commander.cancel_unknown").Str(log.FieldRefID, ev.RefID.String()).Msg("cancel for unknown workflow")
		return
	case *event.Error:
		logger.Debug().Str(log.FieldEvent, "commander.error_unmatched").Str(log.FieldRefID, ev.RefID.String()).Msg("dropping unmatched error")
		return
	case *event.Log:
		c.send(ctx, event.New(event.Commander(), event.User(), p))
		return
	case *event.LinkUpEvent:
		c.onLink(ctx, ev, event.LinkUp, event.LinkChange(*p))
		return
	case *event.LinkDownEvent:
		c.onLink(ctx, ev, event.LinkDown, event.LinkChange(*p))
		return
	case *event.DHCPLeaseUpdate:
		logger.Info().
			Str(log.FieldEvent, "commander.lease").
			Uint32("iface_index", p.IfaceIndex).
			Str("ipv4_addr", p.IPv4Addr).
			Uint32("lease_seconds", p.LeaseSeconds).
			Msg("dhcp lease update")
		return
	}

	planner, ok := c.planners[ev.Kind()]
	if !ok {
		if !ev.RefID.IsZero() {
			// A reply to a task that already settled.
			logger.Debug().Str(log.FieldEvent, "commander.late_reply").Str(log.FieldRefID, ev.RefID.String()).Msg("dropping late reply")
			return
		}
		c.send(ctx, ev.ErrorReply(event.Commander(), event.ErrKindInvalidArgument, "no workflow for "+string(ev.Kind())))
		return
	}
	c.start(ctx, ev, planner, logger)
}

func (c *Commander) start(ctx context.Context, ev *event.Event, planner Planner, logger zerolog.Logger) {
	if _, dup := c.workflows[ev.ID]; dup {
		logger.Debug().Str(log.FieldEvent, "commander.duplicate").Msg("workflow already running")
		return
	}
	plan, err := planner.Plan(ev)
	if err != nil {
		kind := event.ErrKindFailed
		if errors.Is(err, ErrInvalidRequest) {
			kind = event.ErrKindInvalidArgument
		}
		logger.Info().Err(err).Str(log.FieldEvent, "commander.rejected").Msg("request rejected")
		c.send(ctx, ev.ErrorReply(event.Commander(), kind, err.Error()))
		return
	}

	now := c.now()
	timeout := ev.Timeout()
	if timeout <= 0 {
		timeout = c.cfg.WorkflowDeadline
	}
	attrs := append(telemetry.EventAttributes(ev), telemetry.WorkflowAttributes(plan.Name, len(plan.Stages))...)
	_, span := c.tracer.Start(ctx, "commander.workflow", trace.WithAttributes(attrs...))
	wf := &workflow{
		inbound:  ev,
		plan:     plan,
		started:  now,
		deadline: now.Add(timeout),
		logger:   logger.With().Str(log.FieldWorkflow, plan.Name).Logger(),
		span:     span,
	}
	c.transition(ev, event.StateInProgress)
	c.workflows[ev.ID] = wf
	c.active.Store(int64(len(c.workflows)))
	metrics.IncWorkflowStarted(plan.Name)
	metrics.SetActiveWorkflows(len(c.workflows))
	wf.logger.Debug().Str(log.FieldEvent, "commander.workflow_started").Int("stages", len(plan.Stages)).Msg("workflow started")

	c.advance(ctx, wf)
}

// send hands ev to the switch. Failures are logged; attempt deadlines
// cover lost task events.
func (c *Commander) send(ctx context.Context, ev *event.Event) {
	if ev == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	if err := c.link.Send(sendCtx, ev); err != nil {
		c.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "commander.send_failed").
			Str(log.FieldEventID, ev.ID.String()).
			Str(log.FieldKind, string(ev.Kind())).
			Msg("switch did not accept event")
	}
}
