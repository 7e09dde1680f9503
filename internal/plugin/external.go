// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/transport"
	"github.com/ManuGH/netplumb/internal/version"
)

// ErrUsage is returned for a malformed plugin command line.
var ErrUsage = errors.New("usage: <plugin> <socket-path> [log-level]")

// Args is the command line the daemon hands to an external plugin.
type Args struct {
	Socket   string
	LogLevel string
}

// ParseArgs reads argv[1] as the socket path and the optional argv[2] as
// the log level.
func ParseArgs(argv []string) (Args, error) {
	if len(argv) < 2 || argv[1] == "" {
		return Args{}, ErrUsage
	}
	a := Args{Socket: argv[1]}
	if len(argv) > 2 {
		a.LogLevel = argv[2]
	}
	return a, nil
}

// ServeExternal binds socketPath, accepts exactly one connection from the
// daemon and runs p over it.
func ServeExternal(ctx context.Context, p Plugin, socketPath string) error {
	ln, err := transport.ListenUnix(socketPath, 0o600)
	if err != nil {
		return err
	}
	defer os.Remove(socketPath)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	conn, err := ln.Accept()
	stop()
	_ = ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("accept daemon connection: %w", err)
	}

	framed := transport.NewFramed(conn, transport.WithLogger(log.WithComponent("plugin_transport")))
	defer framed.Close()
	return Run(ctx, p, framed, WithLevelControl())
}

// Main is the entry point of an external plugin binary. It never returns.
func Main(p Plugin) {
	args, err := ParseArgs(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Configure(log.Config{
		Level:   args.LogLevel,
		Service: "netplumb-plugin-" + p.Info().Name,
		Version: version.Version,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = ServeExternal(ctx, p, args.Socket)
	cancel()
	if err != nil {
		logger := log.WithComponent("plugin")
		logger.Error().Err(err).Str(log.FieldEvent, "plugin.failed").Msg("plugin exited with error")
		os.Exit(1)
	}
	os.Exit(0)
}
