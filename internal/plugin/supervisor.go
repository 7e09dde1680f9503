// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
	"github.com/ManuGH/netplumb/internal/procgroup"
	"github.com/ManuGH/netplumb/internal/transport"
)

var (
	// ErrAlreadyRunning is returned when a plugin name is started twice.
	ErrAlreadyRunning = errors.New("plugin already running")
	// ErrExitedEarly is returned when the process dies before its socket is up.
	ErrExitedEarly = errors.New("plugin exited during startup")
)

const dialInterval = 20 * time.Millisecond

// Spec describes one external plugin binary.
type Spec struct {
	Name string
	Path string
	// Args are appended after the socket path and log level.
	Args []string
	Env  []string
	// Roles overrides the roles the plugin reports about itself.
	Roles []string
}

// SupervisorConfig tunes external plugin startup and shutdown.
type SupervisorConfig struct {
	// RunDir holds the per-plugin sockets.
	RunDir       string
	StartTimeout time.Duration
	StopGrace    time.Duration
	// LogLevel is handed to each plugin as argv[2].
	LogLevel string
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.RunDir == "" {
		c.RunDir = os.TempDir()
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c
}

type process struct {
	spec    Spec
	cmd     *exec.Cmd
	socket  string
	exited  chan struct{}
	waitErr error

	mu       sync.Mutex
	stopping bool
}

func (p *process) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// waitResult adapts the exit notification to procgroup.Terminate.
func (p *process) waitResult() <-chan error {
	ch := make(chan error, 1)
	go func() {
		<-p.exited
		ch <- p.waitErr
	}()
	return ch
}

// Supervisor spawns external plugins, connects them to the router and
// tears them down again.
type Supervisor struct {
	reg    Registrar
	cfg    SupervisorConfig
	logger zerolog.Logger

	mu    sync.Mutex
	procs map[string]*process
}

// NewSupervisor returns a supervisor registering plugins with reg.
func NewSupervisor(reg Registrar, cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		reg:    reg,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("supervisor"),
		procs:  make(map[string]*process),
	}
}

// Start launches spec, waits for its socket, performs the info handshake
// and registers it with the router.
func (s *Supervisor) Start(ctx context.Context, spec Spec) error {
	if err := (Info{Name: spec.Name, Roles: spec.Roles}).Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.procs[spec.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.Name)
	}
	s.procs[spec.Name] = nil
	s.mu.Unlock()

	p, err := s.launch(ctx, spec)
	s.mu.Lock()
	if err != nil {
		delete(s.procs, spec.Name)
	} else {
		s.procs[spec.Name] = p
	}
	s.mu.Unlock()
	return err
}

func (s *Supervisor) launch(ctx context.Context, spec Spec) (*process, error) {
	logger := s.logger.With().Str(log.FieldPlugin, spec.Name).Logger()
	if err := os.MkdirAll(s.cfg.RunDir, 0o750); err != nil {
		return nil, fmt.Errorf("create plugin run dir: %w", err)
	}
	socket := filepath.Join(s.cfg.RunDir, "plugin-"+spec.Name+".sock")
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale plugin socket: %w", err)
	}

	argv := append([]string{socket, s.cfg.LogLevel}, spec.Args...)
	cmd := exec.Command(spec.Path, argv...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start plugin %s: %w", spec.Name, err)
	}
	p := &process{spec: spec, cmd: cmd, socket: socket, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	logger.Info().Int(log.FieldPID, cmd.Process.Pid).Str(log.FieldSocket, socket).Str(log.FieldEvent, "supervisor.spawned").Msg("plugin process started")

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	framed, info, err := s.connect(startCtx, p)
	if err != nil {
		_ = procgroup.Terminate(cmd, p.waitResult(), s.cfg.StopGrace)
		return nil, err
	}
	if len(spec.Roles) > 0 {
		info.Roles = spec.Roles
	}
	if info.Name != spec.Name {
		logger.Warn().Str("reported", info.Name).Str(log.FieldEvent, "supervisor.name_mismatch").Msg("plugin reports a different name")
	}
	info.Name = spec.Name

	if err := s.reg.Register(info.Address(), framed, info.peerInfo(true)); err != nil {
		_ = framed.Close()
		_ = procgroup.Terminate(cmd, p.waitResult(), s.cfg.StopGrace)
		return nil, err
	}
	go s.watch(p, framed)
	return p, nil
}

// connect dials the plugin socket until it answers, then asks the plugin
// to describe itself.
func (s *Supervisor) connect(ctx context.Context, p *process) (*transport.Framed, Info, error) {
	ticker := time.NewTicker(dialInterval)
	defer ticker.Stop()
	for {
		conn, err := transport.DialUnix(ctx, p.socket)
		if err == nil {
			framed := transport.NewFramed(conn, transport.WithLogger(s.logger))
			info, herr := handshake(ctx, framed)
			if herr != nil {
				_ = framed.Close()
				return nil, Info{}, fmt.Errorf("handshake with %s: %w", p.spec.Name, herr)
			}
			return framed, info, nil
		}
		select {
		case <-p.exited:
			return nil, Info{}, fmt.Errorf("%w: %s: %v", ErrExitedEarly, p.spec.Name, p.waitErr)
		case <-ctx.Done():
			return nil, Info{}, fmt.Errorf("plugin %s socket not ready: %w", p.spec.Name, err)
		case <-ticker.C:
		}
	}
}

func handshake(ctx context.Context, a transport.Adapter) (Info, error) {
	q := event.New(event.Daemon(), event.AllPlugins(), &event.QueryPluginInfo{})
	if err := a.Send(ctx, q); err != nil {
		return Info{}, err
	}
	for {
		ev, err := a.Receive(ctx)
		if err != nil {
			if transport.KindOf(err) == transport.KindMalformed {
				continue
			}
			return Info{}, err
		}
		rep, ok := ev.Payload.(*event.PluginInfoReply)
		if !ok || ev.RefID != q.ID || len(rep.Plugins) == 0 {
			continue
		}
		pi := rep.Plugins[0]
		return Info{Name: pi.Name, Roles: pi.Roles, Accepts: pi.Accepts, Emits: pi.Emits}, nil
	}
}

// watch reports an unexpected exit. The router notices the closed socket
// on its own and fails the plugin's in-flight events.
func (s *Supervisor) watch(p *process, framed *transport.Framed) {
	<-p.exited
	if p.isStopping() {
		metrics.IncPluginExit(p.spec.Name, "stopped")
		return
	}
	metrics.IncPluginExit(p.spec.Name, "crashed")
	s.logger.Error().
		Err(p.waitErr).
		Str(log.FieldPlugin, p.spec.Name).
		Str(log.FieldEvent, "supervisor.crashed").
		Msg("plugin process exited unexpectedly")
	_ = framed.Close()
	s.reg.Unregister(event.Plugin(p.spec.Name))

	s.mu.Lock()
	if s.procs[p.spec.Name] == p {
		delete(s.procs, p.spec.Name)
	}
	s.mu.Unlock()
}

// Stop disconnects and terminates one plugin.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	if ok && p != nil {
		delete(s.procs, name)
	}
	s.mu.Unlock()
	if !ok || p == nil {
		return nil
	}
	return s.terminate(p)
}

func (s *Supervisor) terminate(p *process) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	s.reg.Unregister(event.Plugin(p.spec.Name))
	err := procgroup.Terminate(p.cmd, p.waitResult(), s.cfg.StopGrace)
	_ = os.Remove(p.socket)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && !exitErr.Exited() {
		// Killed by our own signal.
		err = nil
	}
	s.logger.Info().Str(log.FieldPlugin, p.spec.Name).Str(log.FieldEvent, "supervisor.stopped").Msg("plugin process stopped")
	if err != nil {
		return fmt.Errorf("plugin %s: %w", p.spec.Name, err)
	}
	return nil
}

// StopAll terminates every running plugin.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for name, p := range s.procs {
		if p != nil {
			procs = append(procs, p)
			delete(s.procs, name)
		}
	}
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.terminate(p); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Running returns the names of live plugins, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.procs))
	for name, p := range s.procs {
		if p != nil {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
