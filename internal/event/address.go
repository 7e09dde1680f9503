// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

import (
	"fmt"
	"strings"
)

// AddressKind is the class of a routing tag.
type AddressKind uint8

const (
	AddrNone AddressKind = iota
	AddrUser
	AddrDaemon
	AddrCommander
	AddrPlugin
	AddrRole
	AddrAllPlugins
)

// Address is a logical routing tag. It never carries a physical location;
// the router maps tags to connected peers.
type Address struct {
	Kind AddressKind
	Name string // plugin name for AddrPlugin, role for AddrRole
}

func User() Address              { return Address{Kind: AddrUser} }
func Daemon() Address            { return Address{Kind: AddrDaemon} }
func Commander() Address         { return Address{Kind: AddrCommander} }
func AllPlugins() Address        { return Address{Kind: AddrAllPlugins} }
func Plugin(name string) Address { return Address{Kind: AddrPlugin, Name: name} }
func Role(role string) Address   { return Address{Kind: AddrRole, Name: role} }

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Kind == AddrNone
}

// IsGroup reports whether the address may resolve to more than one peer.
func (a Address) IsGroup() bool {
	return a.Kind == AddrRole || a.Kind == AddrAllPlugins
}

func (a Address) String() string {
	switch a.Kind {
	case AddrUser:
		return "user"
	case AddrDaemon:
		return "daemon"
	case AddrCommander:
		return "commander"
	case AddrAllPlugins:
		return "all_plugins"
	case AddrPlugin:
		return "plugin:" + a.Name
	case AddrRole:
		return "role:" + a.Name
	default:
		return ""
	}
}

// ParseAddress parses the textual form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	switch s {
	case "":
		return Address{}, nil
	case "user":
		return User(), nil
	case "daemon":
		return Daemon(), nil
	case "commander":
		return Commander(), nil
	case "all_plugins":
		return AllPlugins(), nil
	}
	prefix, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	switch prefix {
	case "plugin":
		return Plugin(name), nil
	case "role":
		return Role(name), nil
	}
	return Address{}, fmt.Errorf("invalid address %q", s)
}

// Validate reports whether a survives the textual form unchanged.
func (a Address) Validate() error {
	switch a.Kind {
	case AddrNone, AddrUser, AddrDaemon, AddrCommander, AddrAllPlugins:
		if a.Name != "" {
			return fmt.Errorf("address %s cannot carry name %q", a, a.Name)
		}
	case AddrPlugin, AddrRole:
		if a.Name == "" {
			return fmt.Errorf("address %s needs a name", a)
		}
	default:
		return fmt.Errorf("unknown address kind %d", a.Kind)
	}
	return nil
}

func (a Address) MarshalText() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
