// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/netplumb/internal/persistence/sqlite"
)

const schemaVersion = 1

// verifyTimeout bounds the integrity check run when the store opens.
const verifyTimeout = 30 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at_ms INTEGER NOT NULL,
	origin TEXT NOT NULL,
	reason TEXT NOT NULL,
	event_id TEXT NOT NULL,
	ref_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	src TEXT NOT NULL,
	receiver TEXT NOT NULL,
	event TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_recorded ON dead_letters(recorded_at_ms);
CREATE INDEX IF NOT EXISTS idx_dead_letters_reason ON dead_letters(reason);
`

// Entry is one journaled event.
type Entry struct {
	ID         int64           `json:"id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Origin     string          `json:"origin"`
	Reason     string          `json:"reason"`
	EventID    string          `json:"event_id"`
	RefID      string          `json:"ref_id,omitempty"`
	Kind       string          `json:"kind"`
	Source     string          `json:"src"`
	Receiver   string          `json:"receiver"`
	Event      json.RawMessage `json:"event"`
}

// Query filters List. Zero values match everything.
type Query struct {
	Reason string
	Origin string
	Since  time.Time
	Limit  int
}

// Store persists entries in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the journal database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("journal: %s: %w", path, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	err = sqlite.Verify(ctx, db, sqlite.QuickCheck)
	cancel()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: %s: %w", path, err)
	}
	if err := sqlite.Migrate(db, schemaVersion, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: migration failed: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert appends e and returns its row id.
func (s *Store) Insert(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO dead_letters (recorded_at_ms, origin, reason, event_id, ref_id, kind, src, receiver, event)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RecordedAt.UnixMilli(), e.Origin, e.Reason, e.EventID, e.RefID, e.Kind, e.Source, e.Receiver, string(e.Event),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, q.Reason)
	}
	if q.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, q.Origin)
	}
	if !q.Since.IsZero() {
		where = append(where, "recorded_at_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	query := `SELECT id, recorded_at_ms, origin, reason, event_id, ref_id, kind, src, receiver, event FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			atMS   int64
			rawEvt string
		)
		if err := rows.Scan(&e.ID, &atMS, &e.Origin, &e.Reason, &e.EventID, &e.RefID, &e.Kind, &e.Source, &e.Receiver, &rawEvt); err != nil {
			return nil, err
		}
		e.RecordedAt = time.UnixMilli(atMS).UTC()
		e.Event = json.RawMessage(rawEvt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries recorded before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE recorded_at_ms < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
