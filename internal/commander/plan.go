// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package commander

import (
	"github.com/ManuGH/netplumb/internal/event"
)

// Well-known plugin roles targeted by the built-in planners.
const (
	RoleKernel  = "kernel"
	RoleDHCP    = "dhcp"
	RoleMonitor = "monitor"
	RoleConfig  = "config"
)

// TaskSpec is one follow-up event of a workflow stage.
type TaskSpec struct {
	Receiver event.Address
	Payload  event.Payload
	// Optional tasks may exhaust their retries without failing the workflow.
	Optional bool
}

// Stage is a set of tasks that run concurrently. The next stage starts once
// every task of this one has settled.
type Stage []TaskSpec

// Plan is the decomposition of one inbound event.
type Plan struct {
	Name   string
	Stages []Stage
	// Reply builds the success payload from the completed task replies, in
	// completion order. Nil replies with done{Name}.
	Reply func(results []*event.Event) event.Payload
	// OnComplete runs on the commander goroutine after a successful reply.
	OnComplete func()
}

// Planner turns an inbound event into a Plan. Errors wrapping
// ErrInvalidRequest are reported to the sender as invalid_argument.
type Planner interface {
	Plan(ev *event.Event) (Plan, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ev *event.Event) (Plan, error)

func (f PlannerFunc) Plan(ev *event.Event) (Plan, error) { return f(ev) }

// forward replies with the payload of the last result of kind k.
func forward(k event.Kind) func([]*event.Event) event.Payload {
	return func(results []*event.Event) event.Payload {
		for i := len(results) - 1; i >= 0; i-- {
			if results[i].Kind() == k {
				return results[i].Payload
			}
		}
		return nil
	}
}

func single(name string, to event.Address, p event.Payload, reply event.Kind) Plan {
	return Plan{
		Name:   name,
		Stages: []Stage{{{Receiver: to, Payload: p}}},
		Reply:  forward(reply),
	}
}

func (c *Commander) builtinPlanners() map[event.Kind]Planner {
	return map[event.Kind]Planner{
		event.KindConnectionAdd:   PlannerFunc(planConnectionAdd),
		event.KindApplyState:      PlannerFunc(planApplyState),
		event.KindQueryState:      PlannerFunc(planQueryState),
		event.KindMonitorRule:     PlannerFunc(c.planMonitorRule),
		event.KindQueryPluginInfo: PlannerFunc(planDaemonQuery),
		event.KindChangeLogLevel:  PlannerFunc(planDaemonQuery),
		event.KindQueryLogLevel:   PlannerFunc(planDaemonQuery),
	}
}

func planConnectionAdd(ev *event.Event) (Plan, error) {
	p := ev.Payload.(*event.ConnectionAdd)
	if p.Name == "" {
		return Plan{}, invalidf("connection name is required")
	}
	if p.IfaceIndex == 0 && p.IfaceName == "" {
		return Plan{}, invalidf("connection %q names no interface", p.Name)
	}
	stage := Stage{{Receiver: event.Role(RoleKernel), Payload: &event.QueryState{IfaceName: p.IfaceName}}}
	if p.DHCP {
		stage = append(stage, TaskSpec{
			Receiver: event.Role(RoleDHCP),
			Payload:  &event.StartDHCP{IfaceIndex: p.IfaceIndex, IfaceName: p.IfaceName},
		})
	}
	return Plan{Name: string(event.KindConnectionAdd), Stages: []Stage{stage}}, nil
}

func planApplyState(ev *event.Event) (Plan, error) {
	p := ev.Payload.(*event.ApplyState)
	if len(p.State) == 0 {
		return Plan{}, invalidf("empty state document")
	}
	return Plan{
		Name: string(event.KindApplyState),
		Stages: []Stage{
			{{Receiver: event.Role(RoleKernel), Payload: p}},
			{{Receiver: event.Role(RoleConfig), Payload: &event.ConfigChanged{}, Optional: true}},
		},
	}, nil
}

func planQueryState(ev *event.Event) (Plan, error) {
	return single(string(event.KindQueryState), event.Role(RoleKernel), ev.Payload, event.KindStateReport), nil
}

func planDaemonQuery(ev *event.Event) (Plan, error) {
	reply := event.KindLogLevelReply
	if ev.Kind() == event.KindQueryPluginInfo {
		reply = event.KindPluginInfoReply
	}
	if p, ok := ev.Payload.(*event.ChangeLogLevel); ok && p.Level == "" {
		return Plan{}, invalidf("log level is required")
	}
	return single(string(ev.Kind()), event.Daemon(), ev.Payload, reply), nil
}

func (c *Commander) planMonitorRule(ev *event.Event) (Plan, error) {
	p := ev.Payload.(*event.MonitorRule)
	if p.Link != event.LinkUp && p.Link != event.LinkDown {
		return Plan{}, invalidf("unknown link transition %q", p.Link)
	}
	if p.IfaceIndex == 0 && p.IfaceName == "" {
		return Plan{}, invalidf("monitor rule names no interface")
	}
	switch p.FollowUp {
	case event.FollowUpNone, event.FollowUpStartDHCP, event.FollowUpStopDHCP:
	default:
		return Plan{}, invalidf("unknown follow-up %q", p.FollowUp)
	}
	rule := *p
	return Plan{
		Name:       string(event.KindMonitorRule),
		Stages:     []Stage{{{Receiver: event.Role(RoleMonitor), Payload: p}}},
		OnComplete: func() { c.addRule(rule) },
	}, nil
}
