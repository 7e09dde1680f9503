// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"fmt"
	"slices"

	"github.com/ManuGH/netplumb/internal/plugin"
	"github.com/ManuGH/netplumb/internal/plugin/echo"
)

// NativeFactory builds a native plugin instance.
type NativeFactory func() plugin.Plugin

// builtinNatives are the plugins compiled into netplumbd.
var builtinNatives = map[string]NativeFactory{
	"echo": func() plugin.Plugin {
		return echo.New(echo.Config{Name: "echo"})
	},
	"echo-kernel": func() plugin.Plugin {
		return echo.New(echo.Config{Name: "echo-kernel", Roles: []string{"kernel", "monitor", "config"}})
	},
	"echo-dhcp": func() plugin.Plugin {
		return echo.New(echo.Config{Name: "echo-dhcp", Roles: []string{"dhcp"}})
	},
}

// NativeNames lists the built-in native plugins.
func NativeNames() []string {
	names := make([]string, 0, len(builtinNatives))
	for n := range builtinNatives {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// newNative resolves name against extra first, then the built-ins.
func newNative(name string, extra map[string]NativeFactory) (plugin.Plugin, error) {
	if f, ok := extra[name]; ok {
		return f(), nil
	}
	if f, ok := builtinNatives[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNativePlugin, name)
}
