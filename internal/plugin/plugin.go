// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package plugin is the runtime shim shared by native and external plugins.
// A plugin implements Plugin once; Run drives it over any transport adapter,
// so the switch cannot tell an in-process plugin from a separate process.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/router"
)

// ErrInvalidName is returned for plugin names that cannot form an address.
var ErrInvalidName = errors.New("invalid plugin name")

var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

// Info describes a plugin to the switch.
type Info struct {
	Name    string
	Roles   []string
	Accepts []event.Kind
	Emits   []event.Kind
}

// Address returns the plugin's unicast address.
func (i Info) Address() event.Address {
	return event.Plugin(i.Name)
}

// Validate checks that the name is usable as an address.
func (i Info) Validate() error {
	if !nameRE.MatchString(i.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, i.Name)
	}
	for _, r := range i.Roles {
		if !nameRE.MatchString(r) {
			return fmt.Errorf("%w: role %q of %s", ErrInvalidName, r, i.Name)
		}
	}
	return nil
}

func (i Info) peerInfo(external bool) router.PeerInfo {
	return router.PeerInfo{
		Roles:    i.Roles,
		Accepts:  i.Accepts,
		Emits:    i.Emits,
		External: external,
	}
}

func (i Info) describe() event.PluginInfo {
	return event.PluginInfo{
		Name:    i.Name,
		Roles:   i.Roles,
		Accepts: i.Accepts,
		Emits:   i.Emits,
	}
}

// Plugin is the contract every plugin implements.
//
// OnEvent must not block on other peers; anything it needs from them is
// requested through returned events. Returned events without a source are
// sent as coming from the plugin.
type Plugin interface {
	Info() Info
	Start(ctx context.Context) error
	OnEvent(ctx context.Context, ev *event.Event) ([]*event.Event, error)
	Stop(ctx context.Context) error
}

// Emitter sends events a plugin produces on its own, such as link
// notifications or log records.
type Emitter interface {
	Emit(ctx context.Context, ev *event.Event) error
	Log(ctx context.Context, level, msg string) error
}

// Notifier is implemented by plugins that emit unsolicited events. Attach
// is called once before Start.
type Notifier interface {
	Attach(e Emitter)
}
