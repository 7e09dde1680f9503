// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command netplumbd is the network configuration daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ManuGH/netplumb/internal/config"
	"github.com/ManuGH/netplumb/internal/daemon"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	skipChecks := flag.Bool("skip-startup-checks", false, "skip pre-flight directory and plugin checks")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Safe defaults until the configuration is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: daemon.DaemonName,
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	ctx, stop := daemon.WaitForShutdown(context.Background())
	defer stop()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = resolveDefaultConfigPath()
	}

	deps, err := daemon.Bootstrap(ctx, daemon.BootstrapConfig{
		Version:           version.Version,
		ConfigPath:        path,
		SkipStartupChecks: *skipChecks,
	})
	if err != nil {
		logger.Fatal().Err(err).Str(log.FieldEvent, "daemon.bootstrap_failed").Str(log.FieldPath, path).Msg("startup failed")
	}

	app, err := daemon.NewApp(deps)
	if err != nil {
		logger.Fatal().Err(err).Str(log.FieldEvent, "daemon.init_failed").Msg("cannot initialise daemon")
	}
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "daemon.exit_error").Msg("daemon stopped with errors")
		stop()
		os.Exit(1)
	}
	logger.Info().Str(log.FieldEvent, "daemon.exit").Msg("daemon stopped")
}

// resolveDefaultConfigPath returns $NETPLUMB_CONFIG or the system config
// file when it exists.
func resolveDefaultConfigPath() string {
	if p := strings.TrimSpace(config.ParseString("NETPLUMB_CONFIG", "")); p != "" {
		return p
	}
	const systemPath = "/etc/netplumb/netplumbd.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath
	}
	return ""
}
