// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ManuGH/netplumb/internal/event"
)

func newPluginsCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List connected plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.request(cmd, event.Commander(), &event.QueryPluginInfo{})
		},
	}
}

func newLogLevelCmd(o *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log-level",
		Short: "Show or change log levels of the daemon and its plugins",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show current log levels",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.request(cmd, event.Commander(), &event.QueryLogLevel{})
			},
		},
		&cobra.Command{
			Use:   "set LEVEL",
			Short: "Set the log level everywhere",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.request(cmd, event.Commander(), &event.ChangeLogLevel{Level: args[0]})
			},
		},
	)
	return cmd
}

func newStateCmd(o *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Query or apply network state",
	}

	var iface string
	query := &cobra.Command{
		Use:   "query",
		Short: "Print the current network state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.request(cmd, event.Commander(), &event.QueryState{IfaceName: iface})
		},
	}
	query.Flags().StringVar(&iface, "iface", "", "limit the report to one interface")

	apply := &cobra.Command{
		Use:   "apply FILE",
		Short: "Apply a desired state document (JSON or YAML, - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readStateDocument(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return o.request(cmd, event.Commander(), &event.ApplyState{State: doc})
		},
	}
	cmd.AddCommand(query, apply)
	return cmd
}

// readStateDocument reads path (or r for "-") and returns it as JSON.
func readStateDocument(path string, r io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(r)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read state document: %w", err)
	}
	doc, err := toJSON(data)
	if err != nil {
		return nil, usageErrorf("state document %s: %v", path, err)
	}
	return doc, nil
}

func newConnectionCmd(o *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Manage connection profiles",
	}
	var req event.ConnectionAdd
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a connection profile on an interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			if req.IfaceIndex == 0 && req.IfaceName == "" {
				return usageErrorf("--iface-index or --iface is required")
			}
			return o.request(cmd, event.Commander(), &req)
		},
	}
	add.Flags().Uint32Var(&req.IfaceIndex, "iface-index", 0, "interface index")
	add.Flags().StringVar(&req.IfaceName, "iface", "", "interface name")
	add.Flags().BoolVar(&req.DHCP, "dhcp", false, "start DHCP on the interface")
	cmd.AddCommand(add)
	return cmd
}

func newMonitorCmd(o *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Manage link monitor rules",
	}
	var (
		rule     event.MonitorRule
		link     string
		followUp string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "React to a link transition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch event.LinkKind(link) {
			case event.LinkUp, event.LinkDown:
				rule.Link = event.LinkKind(link)
			default:
				return usageErrorf("--link must be up or down, got %q", link)
			}
			switch event.FollowUp(followUp) {
			case event.FollowUpNone, event.FollowUpStartDHCP, event.FollowUpStopDHCP:
				rule.FollowUp = event.FollowUp(followUp)
			default:
				return usageErrorf("unknown --follow-up %q", followUp)
			}
			if rule.IfaceIndex == 0 && rule.IfaceName == "" {
				return usageErrorf("--iface-index or --iface is required")
			}
			return o.request(cmd, event.Commander(), &rule)
		},
	}
	add.Flags().StringVar(&link, "link", "up", "link transition: up or down")
	add.Flags().Uint32Var(&rule.IfaceIndex, "iface-index", 0, "interface index")
	add.Flags().StringVar(&rule.IfaceName, "iface", "", "interface name")
	add.Flags().StringVar(&followUp, "follow-up", "", "action when the rule fires: start_dhcp or stop_dhcp")
	cmd.AddCommand(add)
	return cmd
}

func newQuitCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.request(cmd, event.Daemon(), &event.Quit{})
		},
	}
}

// toJSON accepts a JSON or YAML document and returns it as JSON.
func toJSON(data []byte) ([]byte, error) {
	if json.Valid(data) {
		return data, nil
	}
	v, err := decodeYAML(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
