// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

// Kind names a payload variant on the wire.
type Kind string

const (
	KindError           Kind = "error"
	KindDone            Kind = "done"
	KindCancel          Kind = "cancel"
	KindQuit            Kind = "quit"
	KindQueryPluginInfo Kind = "query_plugin_info"
	KindPluginInfoReply Kind = "plugin_info_reply"
	KindChangeLogLevel  Kind = "change_log_level"
	KindQueryLogLevel   Kind = "query_log_level"
	KindLogLevelReply   Kind = "log_level_reply"
	KindLog             Kind = "log"
	KindConnectionAdd   Kind = "connection_add"
	KindApplyState      Kind = "apply_state"
	KindQueryState      Kind = "query_state"
	KindStateReport     Kind = "state_report"
	KindMonitorRule     Kind = "monitor_rule"
	KindLinkUp          Kind = "link_up"
	KindLinkDown        Kind = "link_down"
	KindStartDHCP       Kind = "start_dhcp"
	KindStopDHCP        Kind = "stop_dhcp"
	KindDHCPLeaseUpdate Kind = "dhcp_lease_update"
	KindConfigChanged   Kind = "config_changed"
)

// Payload is the closed set of event bodies. Only types in this package
// implement it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Error reports a failure back to the requester.
type Error struct {
	Code    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// Done signals a successfully finished workflow.
type Done struct {
	Workflow string `json:"workflow"`
}

// Cancel asks the receiver to stop work caused by the event's RefID.
type Cancel struct {
	Reason string `json:"reason,omitempty"`
}

// Quit asks the receiver to shut down.
type Quit struct{}

type QueryPluginInfo struct{}

// PluginInfo describes one connected peer.
type PluginInfo struct {
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
	Accepts  []Kind   `json:"accepts"`
	Emits    []Kind   `json:"emits"`
	External bool     `json:"external,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
}

type PluginInfoReply struct {
	Plugins []PluginInfo `json:"plugins"`
}

type ChangeLogLevel struct {
	Level string `json:"level"`
}

type QueryLogLevel struct{}

// LogLevelReply maps a component (daemon or plugin name) to its level.
type LogLevelReply struct {
	Levels map[string]string `json:"levels"`
}

// Log is a log record forwarded from a plugin to the user.
type Log struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// ConnectionAdd requests a new connection profile on an interface.
type ConnectionAdd struct {
	Name       string `json:"name"`
	IfaceIndex uint32 `json:"iface_index"`
	IfaceName  string `json:"iface_name,omitempty"`
	DHCP       bool   `json:"dhcp,omitempty"`
}

// ApplyState carries an opaque desired network state document.
type ApplyState struct {
	State []byte `json:"state"`
}

type QueryState struct {
	IfaceName string `json:"iface_name,omitempty"`
}

// StateReport carries an opaque network state document.
type StateReport struct {
	State []byte `json:"state"`
}

// LinkKind selects which link transition a monitor rule watches.
type LinkKind string

const (
	LinkUp   LinkKind = "up"
	LinkDown LinkKind = "down"
)

// FollowUp is the action the commander takes when a monitor rule fires.
type FollowUp string

const (
	FollowUpNone      FollowUp = ""
	FollowUpStartDHCP FollowUp = "start_dhcp"
	FollowUpStopDHCP  FollowUp = "stop_dhcp"
)

// MonitorRule registers interest in a link transition.
type MonitorRule struct {
	Link       LinkKind `json:"link"`
	IfaceIndex uint32   `json:"iface_index,omitempty"`
	IfaceName  string   `json:"iface_name,omitempty"`
	FollowUp   FollowUp `json:"follow_up,omitempty"`
}

// LinkChange is the body of link_up and link_down notifications.
type LinkChange struct {
	IfaceIndex uint32 `json:"iface_index"`
	IfaceName  string `json:"iface_name,omitempty"`
}

// LinkUpEvent and LinkDownEvent share a body but are distinct kinds.
type (
	LinkUpEvent   LinkChange
	LinkDownEvent LinkChange
)

// DHCPRequest is the body of start_dhcp and stop_dhcp.
type DHCPRequest struct {
	IfaceIndex uint32 `json:"iface_index"`
	IfaceName  string `json:"iface_name,omitempty"`
}

type (
	StartDHCP DHCPRequest
	StopDHCP  DHCPRequest
)

// DHCPLeaseUpdate announces an acquired or renewed IPv4 lease.
type DHCPLeaseUpdate struct {
	IfaceIndex   uint32 `json:"iface_index"`
	IPv4Addr     string `json:"ipv4_addr"`
	PrefixLen    uint8  `json:"prefix_len"`
	Gateway      string `json:"gateway,omitempty"`
	LeaseSeconds uint32 `json:"lease_seconds"`
}

type ConfigChanged struct {
	Commit   string `json:"commit,omitempty"`
	Volatile bool   `json:"volatile,omitempty"`
}

func (*Error) Kind() Kind           { return KindError }
func (*Done) Kind() Kind            { return KindDone }
func (*Cancel) Kind() Kind          { return KindCancel }
func (*Quit) Kind() Kind            { return KindQuit }
func (*QueryPluginInfo) Kind() Kind { return KindQueryPluginInfo }
func (*PluginInfoReply) Kind() Kind { return KindPluginInfoReply }
func (*ChangeLogLevel) Kind() Kind  { return KindChangeLogLevel }
func (*QueryLogLevel) Kind() Kind   { return KindQueryLogLevel }
func (*LogLevelReply) Kind() Kind   { return KindLogLevelReply }
func (*Log) Kind() Kind             { return KindLog }
func (*ConnectionAdd) Kind() Kind   { return KindConnectionAdd }
func (*ApplyState) Kind() Kind      { return KindApplyState }
func (*QueryState) Kind() Kind      { return KindQueryState }
func (*StateReport) Kind() Kind     { return KindStateReport }
func (*MonitorRule) Kind() Kind     { return KindMonitorRule }
func (*LinkUpEvent) Kind() Kind     { return KindLinkUp }
func (*LinkDownEvent) Kind() Kind   { return KindLinkDown }
func (*StartDHCP) Kind() Kind       { return KindStartDHCP }
func (*StopDHCP) Kind() Kind        { return KindStopDHCP }
func (*DHCPLeaseUpdate) Kind() Kind { return KindDHCPLeaseUpdate }
func (*ConfigChanged) Kind() Kind   { return KindConfigChanged }

func (*Error) isPayload()           {}
func (*Done) isPayload()            {}
func (*Cancel) isPayload()          {}
func (*Quit) isPayload()            {}
func (*QueryPluginInfo) isPayload() {}
func (*PluginInfoReply) isPayload() {}
func (*ChangeLogLevel) isPayload()  {}
func (*QueryLogLevel) isPayload()   {}
func (*LogLevelReply) isPayload()   {}
func (*Log) isPayload()             {}
func (*ConnectionAdd) isPayload()   {}
func (*ApplyState) isPayload()      {}
func (*QueryState) isPayload()      {}
func (*StateReport) isPayload()     {}
func (*MonitorRule) isPayload()     {}
func (*LinkUpEvent) isPayload()     {}
func (*LinkDownEvent) isPayload()   {}
func (*StartDHCP) isPayload()       {}
func (*StopDHCP) isPayload()        {}
func (*DHCPLeaseUpdate) isPayload() {}
func (*ConfigChanged) isPayload()   {}

var registry = map[Kind]func() Payload{
	KindError:           func() Payload { return &Error{} },
	KindDone:            func() Payload { return &Done{} },
	KindCancel:          func() Payload { return &Cancel{} },
	KindQuit:            func() Payload { return &Quit{} },
	KindQueryPluginInfo: func() Payload { return &QueryPluginInfo{} },
	KindPluginInfoReply: func() Payload { return &PluginInfoReply{} },
	KindChangeLogLevel:  func() Payload { return &ChangeLogLevel{} },
	KindQueryLogLevel:   func() Payload { return &QueryLogLevel{} },
	KindLogLevelReply:   func() Payload { return &LogLevelReply{} },
	KindLog:             func() Payload { return &Log{} },
	KindConnectionAdd:   func() Payload { return &ConnectionAdd{} },
	KindApplyState:      func() Payload { return &ApplyState{} },
	KindQueryState:      func() Payload { return &QueryState{} },
	KindStateReport:     func() Payload { return &StateReport{} },
	KindMonitorRule:     func() Payload { return &MonitorRule{} },
	KindLinkUp:          func() Payload { return &LinkUpEvent{} },
	KindLinkDown:        func() Payload { return &LinkDownEvent{} },
	KindStartDHCP:       func() Payload { return &StartDHCP{} },
	KindStopDHCP:        func() Payload { return &StopDHCP{} },
	KindDHCPLeaseUpdate: func() Payload { return &DHCPLeaseUpdate{} },
	KindConfigChanged:   func() Payload { return &ConfigChanged{} },
}

// Kinds returns every known payload kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

// KnownKind reports whether k is part of the protocol.
func KnownKind(k Kind) bool {
	_, ok := registry[k]
	return ok
}
