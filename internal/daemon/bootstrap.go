// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the netplumbd components together and manages
// their lifecycle.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/netplumb/internal/config"
	"github.com/ManuGH/netplumb/internal/health"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/telemetry"
	"github.com/ManuGH/netplumb/internal/version"
)

// BootstrapConfig holds what the command line provides.
type BootstrapConfig struct {
	// Version is the build version
	Version string

	// ConfigPath is the path to the YAML config file. Empty uses defaults
	// and environment only.
	ConfigPath string

	// Output receives log lines. Defaults to stderr.
	Output io.Writer

	// SkipStartupChecks disables the pre-flight directory and binary checks.
	SkipStartupChecks bool
}

// Bootstrap loads the configuration, configures logging and tracing and
// returns the dependencies for NewApp.
func Bootstrap(ctx context.Context, bc BootstrapConfig) (Deps, error) {
	if bc.Output == nil {
		bc.Output = os.Stderr
	}
	loader := config.NewLoader(bc.ConfigPath, bc.Version)
	cfg, err := loader.Load()
	if err != nil {
		return Deps{}, fmt.Errorf("failed to load config: %w", err)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Output:  bc.Output,
		Service: DaemonName,
		Version: bc.Version,
	})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("version", bc.Version).
		Str(log.FieldPath, bc.ConfigPath).
		Msg("Starting netplumbd")

	if !bc.SkipStartupChecks {
		if err := health.PerformStartupChecks(cfg); err != nil {
			return Deps{}, err
		}
	}

	deps := Deps{
		Logger:  logger,
		Config:  cfg,
		Holder:  config.NewHolder(cfg, loader),
		Version: bc.Version,
	}

	if cfg.Tracing.Enabled {
		provider, err := telemetry.NewProvider(ctx, telemetry.Config{
			Tracing:     cfg.Tracing,
			Version:     bc.Version,
			Commit:      version.Commit,
			Socket:      cfg.Socket,
			Environment: config.ParseString("NETPLUMB_ENVIRONMENT", "production"),
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Telemetry initialization failed, continuing without tracing")
		} else {
			deps.Telemetry = provider
			logger.Info().
				Str("endpoint", cfg.Tracing.Endpoint).
				Float64("sampling_rate", cfg.Tracing.SamplingRate).
				Msg("Telemetry initialized")
		}
	}
	return deps, nil
}

// WaitForShutdown returns a context cancelled on interrupt or termination.
func WaitForShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
