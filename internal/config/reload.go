// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/log"
)

const defaultDebounce = 500 * time.Millisecond

// Holder holds configuration with atomic reloading capability.
// Reloads come from file changes, SIGHUP or an explicit Reload call. Only
// the log level takes effect live; other changes are reported and wait for
// a restart.
type Holder struct {
	mu      sync.RWMutex
	current AppConfig
	loader  *Loader
	logger  zerolog.Logger

	debounce time.Duration
	signals  chan os.Signal

	listenersMu sync.Mutex
	listeners   []func(AppConfig)
}

// NewHolder creates a new configuration holder with initial config.
func NewHolder(initial AppConfig, loader *Loader) *Holder {
	return &Holder{
		current:  initial,
		loader:   loader,
		logger:   log.WithComponent("config"),
		debounce: defaultDebounce,
		signals:  make(chan os.Signal, 1),
	}
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers fn to run after every successful reload.
func (h *Holder) OnReload(fn func(AppConfig)) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload reloads configuration from file and validates it.
// If loading fails, the old configuration is kept and an error is returned.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str(log.FieldEvent, "config.reload_start").Msg("reloading configuration")

	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	oldCfg := h.current
	h.current = newCfg
	h.mu.Unlock()

	if oldCfg.LogLevel != newCfg.LogLevel {
		if err := log.SetLevel(newCfg.LogLevel); err != nil {
			h.logger.Warn().Err(err).Str(log.FieldEvent, "config.log_level_rejected").Msg("log level not applied")
		}
	}
	h.logChanges(oldCfg, newCfg)

	h.listenersMu.Lock()
	listeners := slices.Clone(h.listeners)
	h.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(newCfg)
	}

	h.logger.Info().Str(log.FieldEvent, "config.reload_success").Msg("configuration reloaded successfully")
	return nil
}

// Watch reloads on SIGHUP and, when a config file is in use, on changes
// to it. It blocks until ctx is done.
func (h *Holder) Watch(ctx context.Context) error {
	signal.Notify(h.signals, syscall.SIGHUP)
	defer signal.Stop(h.signals)

	var events <-chan fsnotify.Event
	var errs <-chan error
	path := h.loader.Path()
	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		defer func() { _ = watcher.Close() }()
		// The directory is watched so that editors replacing the file by
		// rename are noticed too.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			return fmt.Errorf("watch config dir: %w", err)
		}
		events, errs = watcher.Events, watcher.Errors
		h.logger.Info().Str(log.FieldEvent, "config.watcher_started").Str(log.FieldPath, path).Msg("watching config file for changes")
	}

	target := filepath.Clean(path)
	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(log.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case <-h.signals:
			h.logger.Info().Str(log.FieldEvent, "config.sighup").Msg("received SIGHUP")
			_ = h.Reload(ctx)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			h.logger.Debug().Str(log.FieldEvent, "config.file_changed").Str("op", ev.Op.String()).Msg("config file changed")
			// Debounce: reset timer on each event
			if debounce == nil {
				debounce = time.NewTimer(h.debounce)
			} else {
				debounce.Reset(h.debounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			if err := h.Reload(ctx); err != nil {
				h.logger.Error().Err(err).Str(log.FieldEvent, "config.auto_reload_failed").Msg("automatic config reload failed")
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			h.logger.Error().Err(err).Str(log.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

// logChanges logs the differences between old and new configuration.
func (h *Holder) logChanges(old, newCfg AppConfig) {
	if old.LogLevel != newCfg.LogLevel {
		h.logger.Info().Str("old", old.LogLevel).Str("new", newCfg.LogLevel).Msg("config changed: logLevel")
	}
	restart := func(field string) {
		h.logger.Warn().Str("field", field).Str(log.FieldEvent, "config.restart_required").Msg("config change takes effect after restart")
	}
	if old.Socket != newCfg.Socket {
		restart("socket")
	}
	if old.OpsListen != newCfg.OpsListen {
		restart("opsListen")
	}
	if old.Router != newCfg.Router {
		restart("router")
	}
	if old.Commander != newCfg.Commander {
		restart("commander")
	}
	if !slices.Equal(old.PluginNames(), newCfg.PluginNames()) {
		restart("plugins")
	}
}
