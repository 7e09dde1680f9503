// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/ManuGH/netplumb/internal/api"
	"github.com/ManuGH/netplumb/internal/audit"
	"github.com/ManuGH/netplumb/internal/commander"
	"github.com/ManuGH/netplumb/internal/config"
	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/health"
	"github.com/ManuGH/netplumb/internal/journal"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/ops"
	"github.com/ManuGH/netplumb/internal/plugin"
	"github.com/ManuGH/netplumb/internal/ratelimit"
	"github.com/ManuGH/netplumb/internal/router"
	"github.com/ManuGH/netplumb/internal/telemetry"
	"github.com/ManuGH/netplumb/internal/transport"
)

// quitGrace lets the reply to a quit request reach the client before the
// daemon starts shutting down.
const quitGrace = 200 * time.Millisecond

// App owns every runtime component of netplumbd and hands their lifecycle
// to a Manager.
type App struct {
	cfg    config.AppConfig
	deps   Deps
	logger zerolog.Logger

	manager   Manager
	audit     *audit.Logger
	store     *journal.Store
	journal   *journal.Journal
	router    *router.Router
	api       *api.Manager
	commander *commander.Commander
	control   *control
	host      *plugin.Host
	sup       *plugin.Supervisor
	health    *health.Manager

	ready    chan struct{}
	quitOnce sync.Once
}

// NewApp builds the daemon's components and connects the internal peers
// (user, commander, daemon) to the router.
func NewApp(deps Deps) (*App, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	cfg := deps.Config
	mgr, err := NewManager(ManagerConfig{}, deps.Logger)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With().Str(log.FieldComponent, "app").Logger(),
		manager: mgr,
		audit:   audit.NewLogger(),
		ready:   make(chan struct{}),
	}

	routerOpts := []router.Option{router.WithTracer(telemetry.Tracer("netplumb/router"))}
	var cmdOpts []commander.Option
	if cfg.Journal.Path != "" {
		a.store, err = journal.OpenStore(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = journal.New(a.store, journal.WithRetention(cfg.Journal.Retention))
		routerOpts = append(routerOpts, router.WithDeadLetters(a.journal.Sink(journal.OriginRouter)))
		cmdOpts = append(cmdOpts, commander.WithFailures(a.journal.Sink(journal.OriginCommander)))
	}

	a.router = router.New(router.Config{
		SendTimeout:      cfg.Router.SendTimeout,
		QueueSize:        cfg.Router.QueueSize,
		DegradeThreshold: cfg.Router.DegradeThreshold,
		DegradeCooldown:  cfg.Router.DegradeCooldown,
		InflightTTL:      cfg.Router.InflightTTL,
	}, routerOpts...)

	if err := a.connectPeers(cmdOpts); err != nil {
		a.closeStore()
		return nil, err
	}

	a.host = plugin.NewHost(a.router, plugin.WithSendTimeout(cfg.Router.SendTimeout))
	a.sup = plugin.NewSupervisor(a.router, plugin.SupervisorConfig{
		RunDir:       cfg.RunDir,
		StartTimeout: cfg.Plugins.StartTimeout,
		StopGrace:    cfg.Plugins.StopGrace,
		LogLevel:     cfg.LogLevel,
	})
	a.health = a.newHealth()
	return a, nil
}

func (a *App) connectPeers(cmdOpts []commander.Option) error {
	cfg := a.cfg

	routerEnd, apiEnd := transport.NewNativePair(transport.DefaultNativeBuffer)
	if err := a.router.Register(event.User(), routerEnd, router.PeerInfo{}); err != nil {
		return fmt.Errorf("register user peer: %w", err)
	}
	a.api = api.New(apiEnd, api.Config{
		RequestTimeout: cfg.API.RequestTimeout,
		SendTimeout:    cfg.Router.SendTimeout,
		WriteQueue:     cfg.API.WriteQueue,
		RateLimit: ratelimit.Config{
			GlobalRate:   rate.Limit(cfg.API.GlobalRate),
			GlobalBurst:  cfg.API.GlobalBurst,
			SessionRate:  rate.Limit(cfg.API.SessionRate),
			SessionBurst: cfg.API.SessionBurst,
		},
	}, api.WithAuditor(a.audit))

	routerEnd, cmdEnd := transport.NewNativePair(transport.DefaultNativeBuffer)
	if err := a.router.Register(event.Commander(), routerEnd, router.PeerInfo{}); err != nil {
		return fmt.Errorf("register commander peer: %w", err)
	}
	a.commander = commander.New(cmdEnd, commander.Config{
		MaxRetries:       cfg.Commander.MaxRetries,
		BackoffBase:      cfg.Commander.BackoffBase,
		BackoffMax:       cfg.Commander.BackoffMax,
		TaskTimeout:      cfg.Commander.TaskTimeout,
		WorkflowDeadline: cfg.Commander.WorkflowDeadline,
		SendTimeout:      cfg.Router.SendTimeout,
	}, cmdOpts...)

	routerEnd, ctlEnd := transport.NewNativePair(transport.DefaultNativeBuffer)
	if err := a.router.Register(event.Daemon(), routerEnd, router.PeerInfo{}); err != nil {
		return fmt.Errorf("register daemon peer: %w", err)
	}
	a.control = newControl(ctlEnd, a.router, a.audit, a.requestQuit)
	return nil
}

func (a *App) newHealth() *health.Manager {
	h := health.NewManager(a.deps.Version)
	h.RegisterChecker(health.NewPeerChecker(func() []health.PeerState {
		snap := a.router.Snapshot()
		out := make([]health.PeerState, 0, len(snap))
		for _, p := range snap {
			out = append(out, health.PeerState{Address: p.Address, Degraded: p.State != "closed"})
		}
		return out
	}, event.User().String(), event.Commander().String(), event.Daemon().String()))
	h.RegisterChecker(health.NewSocketChecker("api_socket", a.cfg.Socket))
	if a.journal != nil {
		h.RegisterChecker(health.NewFuncChecker("journal", func(ctx context.Context) health.CheckResult {
			if err := a.journal.Check(ctx); err != nil {
				return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
			}
			return health.CheckResult{Status: health.StatusHealthy, Message: fmt.Sprintf("%d queued", a.journal.Pending())}
		}))
	}
	return h
}

// Ready is closed once the socket is bound and the configured plugins
// have been started.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Run binds the client socket, starts every component and plugin and
// blocks until ctx ends, a quit request arrives or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := WritePIDFile(a.cfg.PidFile); err != nil {
		a.closeStore()
		return err
	}
	ln, err := transport.ListenUnix(a.cfg.Socket, os.FileMode(a.cfg.SocketMode))
	if err != nil {
		_ = RemovePIDFile(a.cfg.PidFile)
		a.closeStore()
		return err
	}
	if a.cfg.API.MaxSessions > 0 {
		ln = netutil.LimitListener(ln, a.cfg.API.MaxSessions)
	}
	a.logger.Info().
		Str(log.FieldSocket, a.cfg.Socket).
		Strs("plugins", a.cfg.PluginNames()).
		Str(log.FieldEvent, "daemon.starting").
		Msg("starting netplumbd")

	m := a.manager
	m.Go("router", a.router.Run)
	m.Go("api", func(ctx context.Context) error { return a.api.Serve(ctx, ln) })
	m.Go("commander", a.commander.Run)
	m.Go("control", a.control.Run)
	if a.journal != nil {
		m.Go("journal", a.journal.Run)
	}
	if a.cfg.OpsListen != "" {
		srv := ops.NewServer(a.cfg.OpsListen, a.opsHandler())
		m.Go("ops", srv.ListenAndServe)
	}
	if h := a.deps.Holder; h != nil {
		h.OnReload(func(cfg config.AppConfig) {
			a.audit.ConfigReload("system", "success", map[string]string{"log_level": cfg.LogLevel})
		})
		m.Go("config", h.Watch)
	}
	m.Go("plugins", a.runPlugins)

	// Shutdown hooks run last-registered first.
	m.RegisterShutdownHook("telemetry", func(ctx context.Context) error {
		if a.deps.Telemetry == nil {
			return nil
		}
		return a.deps.Telemetry.Shutdown(ctx)
	})
	m.RegisterShutdownHook("pidfile", func(context.Context) error {
		return RemovePIDFile(a.cfg.PidFile)
	})
	m.RegisterShutdownHook("journal", func(context.Context) error {
		a.closeStore()
		return nil
	})
	m.RegisterShutdownHook("native_plugins", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			a.host.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("native plugins: %w", ctx.Err())
		}
	})
	m.RegisterDrainHook("plugins", a.drainPlugins)

	return m.Start(ctx)
}

// runPlugins starts native then external plugins and stays up until ctx
// ends so that native plugins share the services' lifetime.
func (a *App) runPlugins(ctx context.Context) error {
	for _, name := range a.cfg.Plugins.Native {
		p, err := newNative(name, a.deps.Natives)
		if err != nil {
			return err
		}
		if err := a.host.StartNative(ctx, p); err != nil {
			return fmt.Errorf("start native plugin %s: %w", name, err)
		}
		a.logger.Info().Str(log.FieldPlugin, name).Str(log.FieldEvent, "plugin.native_started").Msg("native plugin started")
	}
	for _, spec := range a.cfg.Plugins.External {
		err := a.sup.Start(ctx, plugin.Spec{
			Name:  spec.Name,
			Path:  spec.Path,
			Args:  spec.Args,
			Env:   spec.Env,
			Roles: spec.Roles,
		})
		if err != nil {
			// The daemon keeps running without it; requests for its roles
			// fail as unknown receivers.
			a.logger.Error().Err(err).Str(log.FieldPlugin, spec.Name).Str(log.FieldEvent, "plugin.start_failed").Msg("external plugin not started")
		}
	}
	close(a.ready)
	<-ctx.Done()
	return nil
}

// drainPlugins asks every plugin to quit and then stops the external ones.
func (a *App) drainPlugins(ctx context.Context) error {
	quit := event.New(event.Daemon(), event.AllPlugins(), &event.Quit{})
	if err := a.router.Inject(ctx, quit); err != nil {
		a.logger.Warn().Err(err).Str(log.FieldEvent, "plugin.quit_failed").Msg("cannot broadcast quit")
	}
	return a.sup.StopAll()
}

// requestQuit stops the daemon shortly after a quit request was answered.
func (a *App) requestQuit() {
	a.quitOnce.Do(func() {
		go func() {
			time.Sleep(quitGrace)
			if err := a.manager.Shutdown(context.Background()); err != nil {
				a.logger.Warn().Err(err).Str(log.FieldEvent, "daemon.quit_failed").Msg("shutdown after quit failed")
			}
		}()
	})
}

func (a *App) opsHandler() http.Handler {
	d := ops.Deps{
		Health:   a.health,
		Switch:   a.router,
		Gatherer: prometheus.DefaultGatherer,
		Counters: func() map[string]int {
			return map[string]int{
				"sessions":  a.api.Sessions(),
				"pending":   a.api.Pending(),
				"workflows": a.commander.Active(),
				"rules":     a.commander.Rules(),
			}
		},
	}
	if a.journal != nil {
		d.DeadLetters = a.journal
	}
	if a.cfg.Tracing.Enabled {
		d.TracingService = DaemonName
	}
	return ops.NewRouter(d)
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Str(log.FieldEvent, "journal.close_failed").Msg("closing journal failed")
	}
	a.store = nil
}
