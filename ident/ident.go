// Package ident provides time-sortable identifiers for snapshot nodes,
// lineages and change sets.
package ident

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// ID is a 128-bit identifier. New IDs are UUIDv7, so they sort by creation
// time and are monotonic within a process.
type ID uuid.UUID

// Nil is the zero ID.
var Nil ID

// New generates a fresh ID.
func New() ID {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		panic(fmt.Sprintf("generating id: %v", err))
	}
	return ID(u)
}

// Parse parses the canonical string form of an ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("parsing id %q: %w", s, err)
	}
	return ID(u), nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero ID.
func (id ID) IsNil() bool {
	return id == Nil
}

// Compare orders IDs bytewise, which for UUIDv7 is creation order.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
