// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command netplumb-plugin-echo runs the reference plugin out of process.
//
// Usage: netplumb-plugin-echo <socket-path> [log-level]
//
// NETPLUMB_ECHO_NAME and NETPLUMB_ECHO_ROLES (comma separated) override
// the plugin's name and roles.
package main

import (
	"github.com/ManuGH/netplumb/internal/config"
	"github.com/ManuGH/netplumb/internal/plugin"
	"github.com/ManuGH/netplumb/internal/plugin/echo"
)

func main() {
	plugin.Main(echo.New(pluginConfig()))
}

func pluginConfig() echo.Config {
	roles := config.ParseList("NETPLUMB_ECHO_ROLES", nil)
	if len(roles) == 0 {
		roles = echo.DefaultRoles
	}
	return echo.Config{
		Name:  config.ParseString("NETPLUMB_ECHO_NAME", "echo"),
		Roles: roles,
	}
}
