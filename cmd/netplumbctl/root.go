// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/netplumb/internal/client"
	"github.com/ManuGH/netplumb/internal/config"
	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/version"
)

// dialer opens a client connection to the daemon.
type dialer func(ctx context.Context, socket string) (*client.Client, error)

func defaultDialer(ctx context.Context, socket string) (*client.Client, error) {
	return client.Dial(ctx, socket)
}

type globalOptions struct {
	socket  string
	timeout time.Duration
	output  string
	verbose bool
	dial    dialer
}

func newRootCmd(dial dialer) *cobra.Command {
	opts := &globalOptions{dial: dial}
	root := &cobra.Command{
		Use:           "netplumbctl",
		Short:         "Control a running netplumbd",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "yaml", "json":
				return nil
			}
			return usageErrorf("unsupported output format %q (use yaml or json)", opts.output)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.socket, "socket", "s", config.ParseString("NETPLUMB_SOCKET", client.DefaultSocket), "daemon socket path")
	flags.DurationVarP(&opts.timeout, "timeout", "t", 30*time.Second, "request timeout")
	flags.StringVarP(&opts.output, "output", "o", "yaml", "output format: yaml or json")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "print plugin log records while waiting")

	root.AddCommand(
		newPluginsCmd(opts),
		newLogLevelCmd(opts),
		newStateCmd(opts),
		newConnectionCmd(opts),
		newMonitorCmd(opts),
		newQuitCmd(opts),
	)
	return root
}

// request dials the daemon, sends one request and prints the reply.
func (o *globalOptions) request(cmd *cobra.Command, to event.Address, p event.Payload) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	c, err := o.dial(ctx, o.socket)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", o.socket, err)
	}
	defer func() { _ = c.Close() }()

	var reqOpts []client.RequestOption
	reqOpts = append(reqOpts, client.WithTimeout(o.timeout))
	if o.verbose {
		reqOpts = append(reqOpts, client.WithProgress(func(ev *event.Event) {
			if l, ok := ev.Payload.(*event.Log); ok {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s: %s\n", l.Level, l.Source, l.Message)
			}
		}))
	}

	reply, err := c.Request(ctx, to, p, reqOpts...)
	if err != nil {
		var remote *event.RemoteError
		if errors.As(err, &remote) {
			return &daemonError{remote: remote}
		}
		return err
	}
	return render(cmd.OutOrStdout(), o.output, reply)
}

// usageError marks errors caused by bad command line input.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// daemonError is an error reply from the daemon.
type daemonError struct{ remote *event.RemoteError }

func (e *daemonError) Error() string { return "daemon: " + e.remote.Error() }

func (e *daemonError) Unwrap() error { return e.remote }

// exitCode maps an error to the process exit status: 2 for usage errors,
// 3 for daemon error replies, 1 otherwise.
func exitCode(err error) int {
	var ue *usageError
	var de *daemonError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		return 2
	case errors.As(err, &de):
		return 3
	}
	return 1
}
