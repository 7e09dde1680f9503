// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package commander

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
	"github.com/ManuGH/netplumb/internal/telemetry"
)

type workflow struct {
	inbound  *event.Event
	plan     Plan
	stage    int
	current  []*task
	results  []*event.Event
	started  time.Time
	deadline time.Time
	logger   zerolog.Logger
	span     trace.Span
}

type task struct {
	wf       *workflow
	spec     TaskSpec
	ev       *event.Event
	attempt  int
	deadline time.Time
	settled  bool
	// heldUntil is when the switch releases the latest retry. Failures
	// seen before then answer an attempt that was already retried.
	heldUntil time.Time
}

func (wf *workflow) running() int {
	n := 0
	for _, t := range wf.current {
		if !t.settled {
			n++
		}
	}
	return n
}

// advance starts the next stage once the current one has settled, and
// completes the workflow after the last stage.
func (c *Commander) advance(ctx context.Context, wf *workflow) {
	for {
		if c.workflows[wf.inbound.ID] != wf || wf.running() > 0 {
			return
		}
		if wf.stage == len(wf.plan.Stages) {
			c.complete(ctx, wf)
			return
		}
		specs := wf.plan.Stages[wf.stage]
		wf.stage++
		wf.current = wf.current[:0]
		for _, spec := range specs {
			c.launch(ctx, wf, spec)
		}
	}
}

func (c *Commander) launch(ctx context.Context, wf *workflow, spec TaskSpec) {
	ev := event.New(event.Commander(), spec.Receiver, spec.Payload)
	ev.RefID = wf.inbound.ID
	c.transition(ev, event.StateInProgress)
	t := &task{
		wf:       wf,
		spec:     spec,
		ev:       ev,
		attempt:  1,
		deadline: c.now().Add(c.cfg.TaskTimeout),
	}
	wf.current = append(wf.current, t)
	c.tasks[ev.ID] = t
	wf.logger.Debug().
		Str(log.FieldEvent, "commander.task_emitted").
		Str(log.FieldTaskID, ev.ID.String()).
		Str(log.FieldKind, string(ev.Kind())).
		Str(log.FieldReceiver, spec.Receiver.String()).
		Msg("task emitted")
	c.send(ctx, ev.Clone())
}

func (c *Commander) onTaskReply(ctx context.Context, t *task, ev *event.Event) {
	wf := t.wf
	switch {
	case ev.Kind() == event.KindLog:
		// Progress output goes to the requester without settling the task.
		out := event.New(event.Commander(), wf.inbound.Source, ev.Payload)
		out.RefID = wf.inbound.ID
		c.send(ctx, out)
	case ev.IsError():
		c.attemptFailed(ctx, t, ev.Err())
	default:
		if t.settled {
			return
		}
		t.settled = true
		c.transition(t.ev, event.StateCompleted)
		delete(c.tasks, t.ev.ID)
		wf.results = append(wf.results, ev)
		c.advance(ctx, wf)
	}
}

// attemptFailed re-emits the task with backoff, or gives up once the
// retries are spent.
func (c *Commander) attemptFailed(ctx context.Context, t *task, cause error) {
	if t.settled {
		return
	}
	wf := t.wf
	logger := wf.logger.With().
		Str(log.FieldTaskID, t.ev.ID.String()).
		Str(log.FieldKind, string(t.ev.Kind())).
		Int(log.FieldAttempt, t.attempt).
		Logger()

	now := c.now()
	if now.Before(t.heldUntil) {
		// Another receiver of a fanned-out attempt, or a late answer to
		// an attempt that timed out.
		logger.Debug().Err(cause).Str(log.FieldEvent, "commander.stale_failure").Msg("failure for a retried attempt ignored")
		return
	}
	if t.attempt <= c.cfg.MaxRetries {
		delay := c.cfg.Backoff(t.attempt)
		t.attempt++
		t.heldUntil = now.Add(delay)
		t.deadline = now.Add(delay + c.cfg.TaskTimeout)
		metrics.IncTaskRetry(string(t.ev.Kind()))
		logger.Info().Err(cause).Str(log.FieldEvent, "commander.task_retry").Dur("backoff", delay).Msg("retrying task")
		c.send(ctx, t.ev.Retry(delay))
		return
	}

	t.settled = true
	c.transition(t.ev, event.StateCancelled)
	delete(c.tasks, t.ev.ID)
	terr := &TaskError{
		Workflow: wf.plan.Name,
		Kind:     t.ev.Kind(),
		Receiver: t.spec.Receiver,
		Attempts: t.attempt,
		Err:      cause,
	}
	if t.spec.Optional {
		logger.Warn().Err(terr).Str(log.FieldEvent, "commander.task_skipped").Msg("optional task gave up")
		c.advance(ctx, wf)
		return
	}
	logger.Warn().Err(terr).Str(log.FieldEvent, "commander.task_failed").Msg("task gave up")
	c.fail(ctx, wf, event.ErrKindRetriesExhausted, terr.Error())
}

// sweep enforces workflow and attempt deadlines.
func (c *Commander) sweep(ctx context.Context, now time.Time) {
	for _, wf := range c.workflows {
		if !now.Before(wf.deadline) {
			c.fail(ctx, wf, event.ErrKindDeadlineExceeded, "workflow deadline exceeded")
			continue
		}
		for _, t := range append([]*task(nil), wf.current...) {
			if c.workflows[wf.inbound.ID] != wf {
				break
			}
			if !t.settled && !now.Before(t.deadline) {
				c.attemptFailed(ctx, t, ErrAttemptTimeout)
			}
		}
	}
}

func (c *Commander) complete(ctx context.Context, wf *workflow) {
	var payload event.Payload
	if wf.plan.Reply != nil {
		payload = wf.plan.Reply(wf.results)
	}
	if payload == nil {
		payload = &event.Done{Workflow: wf.plan.Name}
	}
	c.transition(wf.inbound, event.StateCompleted)
	c.finish(wf, "completed")
	if wf.plan.OnComplete != nil {
		wf.plan.OnComplete()
	}
	c.send(ctx, wf.inbound.Reply(event.Commander(), payload))
}

// fail reports kind to the requester and cancels whatever is still running.
func (c *Commander) fail(ctx context.Context, wf *workflow, kind event.ErrorKind, msg string) {
	c.cancelTasks(ctx, wf, string(kind))
	c.transition(wf.inbound, event.StateCancelled)
	c.finish(wf, string(kind))
	if c.failures != nil {
		c.failures.Record(wf.inbound, string(kind))
	}
	c.send(ctx, wf.inbound.ErrorReply(event.Commander(), kind, msg))
}

// abort stops wf without replying; the requester is gone.
func (c *Commander) abort(ctx context.Context, wf *workflow, reason string) {
	if reason == "" {
		reason = "cancelled"
	}
	c.cancelTasks(ctx, wf, reason)
	c.transition(wf.inbound, event.StateCancelled)
	c.finish(wf, "aborted")
}

func (c *Commander) cancelTasks(ctx context.Context, wf *workflow, reason string) {
	for _, t := range wf.current {
		if t.settled {
			continue
		}
		t.settled = true
		c.transition(t.ev, event.StateCancelled)
		delete(c.tasks, t.ev.ID)
		cancel := event.New(event.Commander(), t.spec.Receiver, &event.Cancel{Reason: reason})
		cancel.RefID = t.ev.ID
		c.send(ctx, cancel)
	}
}

// transition moves ev to next. A refused step is a commander bug; it is
// logged and the event keeps its state.
func (c *Commander) transition(ev *event.Event, next event.State) {
	if err := ev.Transition(next); err != nil {
		metrics.IncInvalidTransition()
		c.logger.Error().
			Err(err).
			Str(log.FieldEvent, "commander.invalid_transition").
			Str(log.FieldEventID, ev.ID.String()).
			Str(log.FieldOldState, string(ev.State)).
			Str(log.FieldNewState, string(next)).
			Msg("illegal lifecycle transition")
	}
}

func (c *Commander) finish(wf *workflow, outcome string) {
	delete(c.workflows, wf.inbound.ID)
	c.active.Store(int64(len(c.workflows)))
	metrics.IncWorkflowFinished(wf.plan.Name, outcome)
	metrics.SetActiveWorkflows(len(c.workflows))
	wf.span.SetAttributes(attribute.String(telemetry.WorkflowOutcomeKey, outcome))
	if outcome != "completed" {
		wf.span.SetAttributes(telemetry.ErrorAttributes(outcome)...)
		wf.span.SetStatus(codes.Error, outcome)
	}
	wf.span.End()
	wf.logger.Info().
		Str(log.FieldEvent, "commander.workflow_finished").
		Str("outcome", outcome).
		Dur("elapsed", c.now().Sub(wf.started)).
		Msg("workflow finished")
}
