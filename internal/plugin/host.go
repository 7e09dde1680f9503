// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package plugin

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/router"
	"github.com/ManuGH/netplumb/internal/transport"
)

// Registrar is the part of the router that plugins attach to.
type Registrar interface {
	Register(addr event.Address, a transport.Adapter, info router.PeerInfo) error
	Unregister(addr event.Address) bool
}

// Host runs native plugins inside the daemon.
type Host struct {
	reg    Registrar
	logger zerolog.Logger
	opts   []RunOption
	wg     sync.WaitGroup
}

// NewHost returns a host registering its plugins with reg.
func NewHost(reg Registrar, opts ...RunOption) *Host {
	return &Host{
		reg:    reg,
		logger: log.WithComponent("plugin_host"),
		opts:   opts,
	}
}

// StartNative registers p with the router over an in-process channel pair
// and runs it until ctx ends, the router drops it or it quits.
func (h *Host) StartNative(ctx context.Context, p Plugin) error {
	info := p.Info()
	if err := info.Validate(); err != nil {
		return err
	}
	addr := info.Address()
	routerEnd, pluginEnd := transport.NewNativePair(transport.DefaultNativeBuffer)
	if err := h.reg.Register(addr, routerEnd, info.peerInfo(false)); err != nil {
		_ = pluginEnd.Close()
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := Run(ctx, p, pluginEnd, h.opts...)
		_ = pluginEnd.Close()
		h.reg.Unregister(addr)
		if err != nil {
			h.logger.Error().Err(err).Str(log.FieldEvent, "plugin.exited").Str(log.FieldPlugin, info.Name).Msg("native plugin failed")
			return
		}
		h.logger.Debug().Str(log.FieldEvent, "plugin.exited").Str(log.FieldPlugin, info.Name).Msg("native plugin finished")
	}()
	return nil
}

// Wait blocks until every native plugin has returned.
func (h *Host) Wait() {
	h.wg.Wait()
}
