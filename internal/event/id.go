// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

import (
	"github.com/google/uuid"
)

// ID identifies an event. IDs are UUIDv7 so they sort by creation time.
// The zero ID means "no id" (used for RefID of root events).
type ID uuid.UUID

// NilID is the zero ID.
var NilID ID

// NewID returns a fresh, time-ordered event ID.
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		return ID(uuid.New())
	}
	return ID(id)
}

// ParseID parses the canonical textual form of an ID.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilID, err
	}
	return ID(id), nil
}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool {
	return id == NilID
}

func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return uuid.UUID(id).String()
}

// MarshalText encodes the ID; the zero ID encodes as the empty string.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes an ID; the empty string decodes to the zero ID.
func (id *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = NilID
		return nil
	}
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = ID(parsed)
	return nil
}
