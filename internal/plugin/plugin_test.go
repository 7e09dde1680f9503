// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package plugin

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/transport"
)

const helperEnv = "NETPLUMB_TEST_PLUGIN"

// TestMain doubles as an external plugin binary when helperEnv is set.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
	case "exit":
		os.Exit(3)
	default:
		Main(newEcho("echo"))
	}
	os.Exit(m.Run())
}

// echo answers query_state, fails apply_state, panics on connection_add
// and exits the process on monitor_rule.
type echo struct {
	name    string
	started atomic.Bool
	stopped atomic.Bool
	emitter Emitter
	startFn func(context.Context) error
}

func newEcho(name string) *echo { return &echo{name: name} }

func (p *echo) Info() Info {
	return Info{
		Name:    p.name,
		Roles:   []string{"echo"},
		Accepts: []event.Kind{event.KindQueryState, event.KindApplyState},
		Emits:   []event.Kind{event.KindStateReport},
	}
}

func (p *echo) Attach(e Emitter) { p.emitter = e }

func (p *echo) Start(ctx context.Context) error {
	p.started.Store(true)
	if p.startFn != nil {
		return p.startFn(ctx)
	}
	return nil
}

func (p *echo) Stop(context.Context) error {
	p.stopped.Store(true)
	return nil
}

func (p *echo) OnEvent(_ context.Context, ev *event.Event) ([]*event.Event, error) {
	switch pl := ev.Payload.(type) {
	case *event.QueryState:
		return []*event.Event{ev.Reply(event.Address{}, &event.StateReport{State: []byte(`{"iface":"` + pl.IfaceName + `"}`)})}, nil
	case *event.ApplyState:
		return nil, errors.New("apply refused")
	case *event.StartDHCP:
		return nil, &event.RemoteError{Kind: event.ErrKindInvalidArgument, Message: "no such interface"}
	case *event.ConnectionAdd:
		panic("boom")
	case *event.MonitorRule:
		os.Exit(4)
	case *event.Error:
		return nil, errors.New("unexpected error event")
	case *event.Cancel:
		return nil, nil
	}
	return []*event.Event{ev.Reply(event.Address{}, &event.Done{Workflow: string(ev.Kind())})}, nil
}

func recv(t *testing.T, a transport.Adapter) *event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := a.Receive(ctx)
	require.NoError(t, err)
	return ev
}

func expectNothing(t *testing.T, a transport.Adapter, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	ev, err := a.Receive(ctx)
	require.ErrorIs(t, err, transport.ErrTimeout, "unexpected event %+v", ev)
}

func send(t *testing.T, a transport.Adapter, ev *event.Event) {
	t.Helper()
	require.NoError(t, a.Send(context.Background(), ev))
}

// runEcho runs p over a native pair and returns the switch side.
func runEcho(t *testing.T, p *echo, opts ...RunOption) (*transport.Native, <-chan error) {
	t.Helper()
	sw, pl := transport.NewNativePair(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, p, pl, opts...) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		_ = sw.Close()
	})
	return sw, done
}

func fromCommander(p event.Payload) *event.Event {
	return event.New(event.Commander(), event.Plugin("echo"), p)
}

func TestRunRepliesFromPluginAddress(t *testing.T) {
	p := newEcho("echo")
	sw, _ := runEcho(t, p)

	req := fromCommander(&event.QueryState{IfaceName: "eth0"})
	send(t, sw, req)

	rep := recv(t, sw)
	assert.Equal(t, req.ID, rep.RefID)
	assert.Equal(t, event.Plugin("echo"), rep.Source)
	assert.Equal(t, event.Commander(), rep.Receiver)
	assert.JSONEq(t, `{"iface":"eth0"}`, string(rep.Payload.(*event.StateReport).State))
	assert.True(t, p.started.Load())
}

func TestRunQuitStopsPlugin(t *testing.T) {
	p := newEcho("echo")
	sw, done := runEcho(t, p)

	send(t, sw, event.New(event.Daemon(), event.AllPlugins(), &event.Quit{}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on quit")
	}
	assert.True(t, p.stopped.Load())
}

func TestRunClosedAdapterStopsPlugin(t *testing.T) {
	p := newEcho("echo")
	sw, done := runEcho(t, p)

	require.NoError(t, sw.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on close")
	}
	assert.True(t, p.stopped.Load())
}

func TestRunAnswersInfoQuery(t *testing.T) {
	sw, _ := runEcho(t, newEcho("echo"))

	send(t, sw, fromCommander(&event.QueryPluginInfo{}))
	rep := recv(t, sw)
	require.Equal(t, event.KindPluginInfoReply, rep.Kind())
	plugins := rep.Payload.(*event.PluginInfoReply).Plugins
	require.Len(t, plugins, 1)
	assert.Equal(t, "echo", plugins[0].Name)
	assert.Equal(t, []string{"echo"}, plugins[0].Roles)
}

func TestRunErrorBecomesFailedReply(t *testing.T) {
	sw, _ := runEcho(t, newEcho("echo"))

	req := fromCommander(&event.ApplyState{State: []byte(`{}`)})
	send(t, sw, req)

	rep := recv(t, sw)
	require.True(t, rep.IsError())
	assert.Equal(t, req.ID, rep.RefID)
	assert.Equal(t, event.ErrKindFailed, rep.Payload.(*event.Error).Code)
	assert.Contains(t, rep.Payload.(*event.Error).Message, "apply refused")
}

func TestRunKeepsRemoteErrorKind(t *testing.T) {
	sw, _ := runEcho(t, newEcho("echo"))

	send(t, sw, fromCommander(&event.StartDHCP{IfaceIndex: 9}))
	rep := recv(t, sw)
	require.True(t, rep.IsError())
	assert.Equal(t, event.ErrKindInvalidArgument, rep.Payload.(*event.Error).Code)
}

func TestRunRecoversPanic(t *testing.T) {
	sw, _ := runEcho(t, newEcho("echo"))

	req := fromCommander(&event.ConnectionAdd{Name: "lan", IfaceIndex: 1})
	send(t, sw, req)
	rep := recv(t, sw)
	require.True(t, rep.IsError())
	assert.Equal(t, req.ID, rep.RefID)
	assert.Contains(t, rep.Payload.(*event.Error).Message, "panic: boom")

	// The plugin keeps serving.
	send(t, sw, fromCommander(&event.QueryState{}))
	assert.Equal(t, event.KindStateReport, recv(t, sw).Kind())
}

func TestRunNeverAnswersErrorWithError(t *testing.T) {
	sw, _ := runEcho(t, newEcho("echo"))

	send(t, sw, fromCommander(&event.Error{Code: event.ErrKindFailed}))
	expectNothing(t, sw, 50*time.Millisecond)
}

func TestRunLogLevel(t *testing.T) {
	prev := log.Level()
	t.Cleanup(func() { _ = log.SetLevel(prev) })
	require.NoError(t, log.SetLevel("info"))

	t.Run("native plugins only report", func(t *testing.T) {
		sw, _ := runEcho(t, newEcho("echo"))
		send(t, sw, fromCommander(&event.ChangeLogLevel{Level: "debug"}))
		rep := recv(t, sw)
		require.Equal(t, event.KindLogLevelReply, rep.Kind())
		assert.Equal(t, "info", rep.Payload.(*event.LogLevelReply).Levels["echo"])
		assert.Equal(t, "info", log.Level())
	})

	t.Run("external plugins apply", func(t *testing.T) {
		sw, _ := runEcho(t, newEcho("echo"), WithLevelControl())
		send(t, sw, fromCommander(&event.ChangeLogLevel{Level: "debug"}))
		rep := recv(t, sw)
		assert.Equal(t, "debug", rep.Payload.(*event.LogLevelReply).Levels["echo"])
		assert.Equal(t, "debug", log.Level())

		send(t, sw, fromCommander(&event.ChangeLogLevel{Level: "loud"}))
		bad := recv(t, sw)
		require.True(t, bad.IsError())
		assert.Equal(t, event.ErrKindInvalidArgument, bad.Payload.(*event.Error).Code)
	})

	t.Run("query", func(t *testing.T) {
		require.NoError(t, log.SetLevel("warn"))
		sw, _ := runEcho(t, newEcho("echo"))
		send(t, sw, fromCommander(&event.QueryLogLevel{}))
		rep := recv(t, sw)
		assert.Equal(t, map[string]string{"echo": "warn"}, rep.Payload.(*event.LogLevelReply).Levels)
	})
}

func TestEmitterLogGoesToCommander(t *testing.T) {
	p := newEcho("echo")
	p.startFn = func(ctx context.Context) error {
		return p.emitter.Log(ctx, "info", "ready")
	}
	sw, _ := runEcho(t, p)

	ev := recv(t, sw)
	require.Equal(t, event.KindLog, ev.Kind())
	assert.Equal(t, event.Commander(), ev.Receiver)
	assert.Equal(t, event.Plugin("echo"), ev.Source)
	assert.Equal(t, "ready", ev.Payload.(*event.Log).Message)
}

func TestRunStartFailure(t *testing.T) {
	p := newEcho("echo")
	p.startFn = func(context.Context) error { return errors.New("no netlink") }
	_, pl := transport.NewNativePair(1)

	err := Run(context.Background(), p, pl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no netlink")
	assert.False(t, p.stopped.Load())
}

func TestInfoValidate(t *testing.T) {
	assert.NoError(t, Info{Name: "dhcp", Roles: []string{"dhcp"}}.Validate())
	assert.ErrorIs(t, Info{Name: ""}.Validate(), ErrInvalidName)
	assert.ErrorIs(t, Info{Name: "Bad Name"}.Validate(), ErrInvalidName)
	assert.ErrorIs(t, Info{Name: "ok", Roles: []string{"role:x"}}.Validate(), ErrInvalidName)
}

func TestParseArgs(t *testing.T) {
	_, err := ParseArgs([]string{"plugin"})
	require.ErrorIs(t, err, ErrUsage)

	a, err := ParseArgs([]string{"plugin", "/run/p.sock"})
	require.NoError(t, err)
	assert.Equal(t, Args{Socket: "/run/p.sock"}, a)

	a, err = ParseArgs([]string{"plugin", "/run/p.sock", "debug"})
	require.NoError(t, err)
	assert.Equal(t, Args{Socket: "/run/p.sock", LogLevel: "debug"}, a)
}
