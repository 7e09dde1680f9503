// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package plugin

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/router"
	"github.com/ManuGH/netplumb/internal/transport"
)

func startRouter(t *testing.T) *router.Router {
	t.Helper()
	r := router.New(router.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("router did not stop")
		}
	})
	return r
}

func attachCommander(t *testing.T, r *router.Router) *transport.Native {
	t.Helper()
	near, far := transport.NewNativePair(64)
	require.NoError(t, r.Register(event.Commander(), near, router.PeerInfo{}))
	return far
}

func TestHostStartNative(t *testing.T) {
	r := startRouter(t)
	cmd := attachCommander(t, r)
	host := NewHost(r)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, host.StartNative(ctx, newEcho("echo")))

	plugins := r.Plugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, "echo", plugins[0].Name)
	assert.False(t, plugins[0].External)

	req := event.New(event.Commander(), event.Role("echo"), &event.QueryState{IfaceName: "eth1"})
	send(t, cmd, req)
	rep := recv(t, cmd)
	assert.Equal(t, req.ID, rep.RefID)
	assert.Equal(t, event.Plugin("echo"), rep.Source)

	cancel()
	host.Wait()
	require.Eventually(t, func() bool { return len(r.Plugins()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestHostRejectsDuplicateName(t *testing.T) {
	r := startRouter(t)
	host := NewHost(r)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		host.Wait()
	}()

	require.NoError(t, host.StartNative(ctx, newEcho("echo")))
	require.ErrorIs(t, host.StartNative(ctx, newEcho("echo")), router.ErrDuplicatePeer)
}

func TestSupervisorRunsExternalPlugin(t *testing.T) {
	r := startRouter(t)
	cmd := attachCommander(t, r)
	sup := NewSupervisor(r, SupervisorConfig{
		RunDir:       t.TempDir(),
		StartTimeout: 10 * time.Second,
		StopGrace:    2 * time.Second,
		LogLevel:     "warn",
	})

	err := sup.Start(context.Background(), Spec{
		Name: "echo",
		Path: os.Args[0],
		Env:  []string{helperEnv + "=echo"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.StopAll() })
	assert.Equal(t, []string{"echo"}, sup.Running())

	plugins := r.Plugins()
	require.Len(t, plugins, 1)
	assert.True(t, plugins[0].External)
	assert.Equal(t, []string{"echo"}, plugins[0].Roles, "roles come from the handshake")

	req := event.New(event.Commander(), event.Plugin("echo"), &event.QueryState{IfaceName: "eth0"})
	send(t, cmd, req)
	rep := recv(t, cmd)
	assert.Equal(t, req.ID, rep.RefID)
	assert.Equal(t, event.KindStateReport, rep.Kind())

	require.ErrorIs(t, sup.Start(context.Background(), Spec{Name: "echo", Path: os.Args[0]}), ErrAlreadyRunning)

	require.NoError(t, sup.StopAll())
	assert.Empty(t, sup.Running())
	require.Eventually(t, func() bool { return len(r.Plugins()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorCrashFailsInflight(t *testing.T) {
	r := startRouter(t)
	cmd := attachCommander(t, r)
	sup := NewSupervisor(r, SupervisorConfig{RunDir: t.TempDir(), StopGrace: time.Second})

	require.NoError(t, sup.Start(context.Background(), Spec{
		Name: "echo",
		Path: os.Args[0],
		Env:  []string{helperEnv + "=echo"},
	}))
	t.Cleanup(func() { _ = sup.StopAll() })

	// monitor_rule makes the helper exit without answering.
	req := event.New(event.Commander(), event.Plugin("echo"), &event.MonitorRule{Link: event.LinkUp, IfaceIndex: 1})
	send(t, cmd, req)

	rep := recv(t, cmd)
	require.True(t, rep.IsError())
	assert.Equal(t, req.ID, rep.RefID)
	assert.Equal(t, event.ErrKindPeerUnavailable, rep.Payload.(*event.Error).Code)
	require.Eventually(t, func() bool { return len(sup.Running()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisorEarlyExit(t *testing.T) {
	r := startRouter(t)
	sup := NewSupervisor(r, SupervisorConfig{RunDir: t.TempDir(), StartTimeout: 5 * time.Second, StopGrace: time.Second})

	err := sup.Start(context.Background(), Spec{
		Name: "broken",
		Path: os.Args[0],
		Env:  []string{helperEnv + "=exit"},
	})
	require.ErrorIs(t, err, ErrExitedEarly)
	assert.Empty(t, sup.Running())
	assert.Empty(t, r.Plugins())
}
