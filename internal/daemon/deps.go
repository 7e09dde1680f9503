// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/config"
	"github.com/ManuGH/netplumb/internal/telemetry"
)

// Deps contains everything NewApp needs.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// Config is the configuration the daemon starts with.
	Config config.AppConfig

	// Holder reloads the configuration at runtime. Optional.
	Holder *config.Holder

	Version string

	// Telemetry is shut down with the daemon. Optional.
	Telemetry *telemetry.Provider

	// Natives adds or overrides native plugin factories by name.
	Natives map[string]NativeFactory
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Config.Socket == "" {
		return errors.New("socket path is required")
	}
	for _, n := range d.Config.Plugins.Native {
		if _, ok := d.Natives[n]; ok {
			continue
		}
		if _, ok := builtinNatives[n]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownNativePlugin, n)
		}
	}
	return nil
}
