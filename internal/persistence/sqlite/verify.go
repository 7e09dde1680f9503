// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Check selects the integrity pragma Verify runs.
type Check string

const (
	// QuickCheck skips index consistency and runs in roughly linear time.
	QuickCheck Check = "quick_check"
	// FullCheck also cross-checks every index.
	FullCheck Check = "integrity_check"
)

// ErrCorrupt is wrapped by Verify when SQLite reports damage.
var ErrCorrupt = errors.New("sqlite: database failed integrity check")

// Verify runs check against db. A healthy database returns nil.
func Verify(ctx context.Context, db *sql.DB, check Check) error {
	if check != FullCheck {
		check = QuickCheck
	}
	rows, err := db.QueryContext(ctx, "PRAGMA "+string(check))
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", check, err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return fmt.Errorf("sqlite: %s: %w", check, err)
		}
		problems = append(problems, res)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: %s: %w", check, err)
	}

	if len(problems) == 1 && strings.EqualFold(problems[0], "ok") {
		return nil
	}
	if len(problems) == 0 {
		problems = []string{"no result rows"}
	}
	return fmt.Errorf("%w: %s", ErrCorrupt, strings.Join(problems, "; "))
}
