// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/netplumb/internal/log"
)

const defaultShutdownTimeout = 30 * time.Second

// Service is a long running component. It must return once ctx ends.
type Service func(ctx context.Context) error

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Manager manages the daemon lifecycle: starting services, handling shutdown.
type Manager interface {
	// Go registers a service. Services registered after Start are ignored.
	Go(name string, svc Service)

	// Start runs every service and blocks until ctx ends, Shutdown is
	// called or a service fails, then shuts down.
	Start(ctx context.Context) error

	// Shutdown asks a running manager to stop and waits for it.
	Shutdown(ctx context.Context) error

	// RegisterDrainHook registers a hook run while services are still up.
	RegisterDrainHook(name string, hook ShutdownHook)

	// RegisterShutdownHook registers a hook run after every service stopped.
	RegisterShutdownHook(name string, hook ShutdownHook)
}

// ManagerConfig tunes the lifecycle manager.
type ManagerConfig struct {
	// ShutdownTimeout bounds draining, service stop and hooks together.
	ShutdownTimeout time.Duration
}

type namedService struct {
	name string
	run  Service
}

// namedHook represents a shutdown hook with a name for logging
type namedHook struct {
	name string
	hook ShutdownHook
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	services      []namedService
	drainHooks    []namedHook
	shutdownHooks []namedHook

	started  bool
	stopOnce sync.Once
	stopReq  chan struct{}
	finished chan struct{}
	mu       sync.Mutex
}

// NewManager creates a new lifecycle manager.
func NewManager(cfg ManagerConfig, logger zerolog.Logger) (Manager, error) {
	if logger.GetLevel() == zerolog.Disabled {
		return nil, ErrMissingLogger
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &manager{
		cfg:      cfg,
		logger:   logger.With().Str(log.FieldComponent, "manager").Logger(),
		stopReq:  make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

func (m *manager) Go(name string, svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.logger.Warn().Str("service", name).Msg("service registered after start, ignored")
		return
	}
	m.services = append(m.services, namedService{name: name, run: svc})
}

// Start runs all services and blocks until shutdown completed.
func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("start context is nil")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	services := append([]namedService(nil), m.services...)
	m.mu.Unlock()
	defer close(m.finished)

	m.logger.Info().
		Int("services", len(services)).
		Dur("shutdown_timeout", m.cfg.ShutdownTimeout).
		Msg("Starting daemon manager")

	// Services outlive ctx until the drain hooks have run.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, s := range services {
		g.Go(func() error {
			m.logger.Debug().Str("service", s.name).Msg("service started")
			if err := s.run(gctx); err != nil {
				m.logger.Error().Err(err).Str("service", s.name).Str(log.FieldEvent, "service.failed").Msg("service failed")
				return fmt.Errorf("%s: %w", s.name, err)
			}
			m.logger.Debug().Str("service", s.name).Msg("service stopped")
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-ctx.Done():
		m.logger.Info().Msg("Shutdown signal received")
	case <-m.stopReq:
		m.logger.Info().Msg("Shutdown requested")
	case <-gctx.Done():
		m.logger.Error().Msg("Service error, initiating shutdown")
	}

	shutdownCtx, cancelTimeout := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancelTimeout()

	var errs []error
	errs = append(errs, m.runHooks(shutdownCtx, "drain", m.drainHooks)...)

	cancel()
	var serviceErr error
	select {
	case serviceErr = <-done:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("services did not stop: %w", shutdownCtx.Err()))
	}

	errs = append(errs, m.runHooks(shutdownCtx, "shutdown", m.shutdownHooks)...)

	if len(errs) > 0 {
		m.logger.Error().
			Int("error_count", len(errs)).
			Msg("Shutdown completed with errors")
		return errors.Join(serviceErr, fmt.Errorf("shutdown errors: %w", errors.Join(errs...)))
	}
	if serviceErr != nil {
		return serviceErr
	}
	m.logger.Info().Msg("Daemon manager stopped cleanly")
	return nil
}

// runHooks executes hooks in reverse order (LIFO).
func (m *manager) runHooks(ctx context.Context, phase string, hooks []namedHook) []error {
	m.mu.Lock()
	hooks = append([]namedHook(nil), hooks...)
	m.mu.Unlock()

	m.logger.Debug().Str("phase", phase).Int("hooks", len(hooks)).Msg("Executing hooks")
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		hookStart := time.Now()
		if err := hook.hook(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("hook", hook.name).
				Str("phase", phase).
				Dur("duration", time.Since(hookStart)).
				Msg("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", hook.name).
			Str("phase", phase).
			Dur("duration", time.Since(hookStart)).
			Msg("Shutdown hook completed")
	}
	return errs
}

func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("shutdown context is nil")
	}
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return ErrManagerNotStarted
	}
	m.stopOnce.Do(func() { close(m.stopReq) })
	select {
	case <-m.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) RegisterDrainHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainHooks = append(m.drainHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("Registered drain hook")
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
// Hooks are executed in reverse registration order (LIFO).
func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("Registered shutdown hook")
}
