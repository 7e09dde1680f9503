// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package journal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/netplumb/internal/event"
	"github.com/ManuGH/netplumb/internal/metrics"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func runJournal(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestSinkRecordsEvent(t *testing.T) {
	j := New(openStore(t))
	runJournal(t, j)

	req := event.New(event.User(), event.Commander(), &event.QueryState{IfaceName: "eth0"})
	task := req.FollowUp(event.Commander(), event.Role("kernel"), &event.QueryState{IfaceName: "eth0"})

	j.Sink(OriginRouter).Record(task, string(event.ErrKindUnknownReceiver))
	j.Sink(OriginCommander).Record(req, string(event.ErrKindRetriesExhausted))

	var entries []Entry
	require.Eventually(t, func() bool {
		var err error
		entries, err = j.List(context.Background(), Query{})
		return err == nil && len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Newest first.
	assert.Equal(t, OriginCommander, entries[0].Origin)
	assert.Equal(t, req.ID.String(), entries[0].EventID)
	assert.Empty(t, entries[0].RefID)

	assert.Equal(t, OriginRouter, entries[1].Origin)
	assert.Equal(t, "unknown_receiver", entries[1].Reason)
	assert.Equal(t, req.ID.String(), entries[1].RefID)
	assert.Equal(t, "role:kernel", entries[1].Receiver)

	decoded, err := event.Unmarshal(entries[1].Event)
	require.NoError(t, err)
	assert.Equal(t, task.ID, decoded.ID)
	assert.Equal(t, "eth0", decoded.Payload.(*event.QueryState).IfaceName)
}

func TestStoreListFilters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, reason := range []string{"unknown_receiver", "peer_unavailable", "unknown_receiver"} {
		_, err := s.Insert(ctx, Entry{
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
			Origin:     OriginRouter,
			Reason:     reason,
			EventID:    event.NewID().String(),
			Kind:       "query_state",
			Source:     "commander",
			Receiver:   "plugin:x",
			Event:      []byte(`{}`),
		})
		require.NoError(t, err)
	}

	got, err := s.List(ctx, Query{Reason: "unknown_receiver"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.List(ctx, Query{Since: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.List(ctx, Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, base.Add(2*time.Minute), got[0].RecordedAt)

	got, err = s.List(ctx, Query{Origin: OriginCommander})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRunPrunesExpired(t *testing.T) {
	s := openStore(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Insert(context.Background(), Entry{
		RecordedAt: now.Add(-48 * time.Hour), Origin: OriginRouter, Reason: "old",
		EventID: "x", Kind: "quit", Source: "daemon", Receiver: "all_plugins", Event: []byte(`{}`),
	})
	require.NoError(t, err)

	j := New(s, WithRetention(24*time.Hour), WithClock(func() time.Time { return now }))
	runJournal(t, j)

	require.Eventually(t, func() bool {
		got, err := s.List(context.Background(), Query{})
		return err == nil && len(got) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullQueueDrops(t *testing.T) {
	j := New(openStore(t), WithQueueSize(1))
	before := testutil.ToFloat64(metrics.JournalWritesTotal.WithLabelValues("peer_unavailable", "dropped"))

	ev := event.New(event.Commander(), event.Plugin("dhcp"), &event.StartDHCP{IfaceIndex: 2})
	sink := j.Sink(OriginRouter)
	sink.Record(ev, "peer_unavailable")
	sink.Record(ev, "peer_unavailable")

	assert.Equal(t, 1, j.Pending())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.JournalWritesTotal.WithLabelValues("peer_unavailable", "dropped")))
}

func TestRunDrainsOnShutdown(t *testing.T) {
	j := New(openStore(t))
	for range 5 {
		j.Sink(OriginCommander).Record(event.New(event.User(), event.Commander(), &event.ApplyState{State: []byte(`{}`)}), "deadline_exceeded")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Run(ctx))

	got, err := j.List(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, got, 5)
	require.NoError(t, j.Check(context.Background()))
}

func TestOpenStoreRejectsDamagedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("dead letters "), 1024), 0o600))

	_, err := OpenStore(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
