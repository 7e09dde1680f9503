// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package echo is the reference plugin. It plays every collaborator role
// with canned answers so the routing core can be exercised end to end
// without touching the host's network configuration.
package echo

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/plugin"
)

// DefaultRoles are the roles the reference plugin answers for.
var DefaultRoles = []string{"kernel", "dhcp", "monitor", "config"}

// ErrNotAttached is returned by SetLink before the plugin runs.
var ErrNotAttached = errors.New("echo plugin not attached")

// Config names the plugin instance.
type Config struct {
	Name  string
	Roles []string
}

// Plugin is the reference implementation of plugin.Plugin.
type Plugin struct {
	name  string
	roles []string

	mu      sync.Mutex
	emitter plugin.Emitter
	links   map[uint32]bool
	leases  map[uint32]event.DHCPLeaseUpdate
	applied int
}

// New returns an echo plugin.
func New(cfg Config) *Plugin {
	if cfg.Name == "" {
		cfg.Name = "echo"
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = DefaultRoles
	}
	return &Plugin{
		name:   cfg.Name,
		roles:  cfg.Roles,
		links:  make(map[uint32]bool),
		leases: make(map[uint32]event.DHCPLeaseUpdate),
	}
}

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		Name:  p.name,
		Roles: p.roles,
		Accepts: []event.Kind{
			event.KindQueryState, event.KindApplyState, event.KindMonitorRule,
			event.KindStartDHCP, event.KindStopDHCP, event.KindDHCPLeaseUpdate,
			event.KindConfigChanged,
		},
		Emits: []event.Kind{
			event.KindStateReport, event.KindDone, event.KindLinkUp,
			event.KindLinkDown, event.KindDHCPLeaseUpdate, event.KindLog,
		},
	}
}

func (p *Plugin) Attach(e plugin.Emitter) {
	p.mu.Lock()
	p.emitter = e
	p.mu.Unlock()
}

func (p *Plugin) Start(context.Context) error { return nil }

func (p *Plugin) Stop(context.Context) error { return nil }

type ifaceState struct {
	Index uint32 `json:"index"`
	Up    bool   `json:"up"`
	IPv4  string `json:"ipv4,omitempty"`
}

type stateDoc struct {
	Interfaces []ifaceState `json:"interfaces"`
	Applied    int          `json:"applied"`
}

func (p *Plugin) OnEvent(ctx context.Context, ev *event.Event) ([]*event.Event, error) {
	switch pl := ev.Payload.(type) {
	case *event.QueryState:
		doc, err := p.state()
		if err != nil {
			return nil, err
		}
		return []*event.Event{ev.Reply(event.Address{}, &event.StateReport{State: doc})}, nil

	case *event.ApplyState:
		if len(pl.State) > 0 && !json.Valid(pl.State) {
			return nil, &event.RemoteError{Kind: event.ErrKindInvalidArgument, Message: "state is not a JSON document"}
		}
		p.mu.Lock()
		p.applied++
		p.mu.Unlock()
		p.log(ctx, "debug", fmt.Sprintf("applied state of %d bytes", len(pl.State)))
		return []*event.Event{ev.Reply(event.Address{}, &event.Done{Workflow: string(event.KindApplyState)})}, nil

	case *event.MonitorRule:
		return []*event.Event{ev.Reply(event.Address{}, &event.Done{Workflow: string(event.KindMonitorRule)})}, nil

	case *event.StartDHCP:
		lease := event.DHCPLeaseUpdate{
			IfaceIndex:   pl.IfaceIndex,
			IPv4Addr:     LeaseAddr(pl.IfaceIndex),
			PrefixLen:    24,
			Gateway:      "192.0.2.1",
			LeaseSeconds: 3600,
		}
		done := ev.Reply(event.Address{}, &event.Done{Workflow: string(event.KindStartDHCP)})
		update := ev.FollowUp(event.Address{}, event.Role("kernel"), &lease)
		return []*event.Event{done, update}, nil

	case *event.StopDHCP:
		p.mu.Lock()
		delete(p.leases, pl.IfaceIndex)
		p.mu.Unlock()
		return []*event.Event{ev.Reply(event.Address{}, &event.Done{Workflow: string(event.KindStopDHCP)})}, nil

	case *event.DHCPLeaseUpdate:
		p.mu.Lock()
		p.leases[pl.IfaceIndex] = *pl
		p.mu.Unlock()
		return nil, nil

	case *event.ConfigChanged:
		return []*event.Event{ev.Reply(event.Address{}, &event.Done{Workflow: string(event.KindConfigChanged)})}, nil
	}
	// Notifications and replies this plugin does not act on.
	return nil, nil
}

// LeaseAddr is the address handed out for an interface.
func LeaseAddr(index uint32) string {
	return fmt.Sprintf("192.0.2.%d", 100+index%150)
}

// SetLink records the link state of an interface and notifies the
// commander when it changed.
func (p *Plugin) SetLink(ctx context.Context, index uint32, name string, up bool) error {
	p.mu.Lock()
	prev, known := p.links[index]
	p.links[index] = up
	em := p.emitter
	p.mu.Unlock()
	if known && prev == up {
		return nil
	}
	if em == nil {
		return ErrNotAttached
	}
	ch := event.LinkChange{IfaceIndex: index, IfaceName: name}
	var pl event.Payload = (*event.LinkDownEvent)(&ch)
	if up {
		pl = (*event.LinkUpEvent)(&ch)
	}
	return em.Emit(ctx, event.New(event.Address{}, event.Commander(), pl))
}

// Lease returns the last lease update seen for an interface.
func (p *Plugin) Lease(index uint32) (event.DHCPLeaseUpdate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leases[index]
	return l, ok
}

func (p *Plugin) state() ([]byte, error) {
	p.mu.Lock()
	doc := stateDoc{Applied: p.applied, Interfaces: []ifaceState{}}
	for idx, up := range p.links {
		doc.Interfaces = append(doc.Interfaces, ifaceState{Index: idx, Up: up, IPv4: p.leases[idx].IPv4Addr})
	}
	p.mu.Unlock()
	slices.SortFunc(doc.Interfaces, func(a, b ifaceState) int { return cmp.Compare(a.Index, b.Index) })
	return json.Marshal(doc)
}

func (p *Plugin) log(ctx context.Context, level, msg string) {
	p.mu.Lock()
	em := p.emitter
	p.mu.Unlock()
	if em != nil {
		_ = em.Log(ctx, level, msg)
	}
}
