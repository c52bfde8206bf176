// Package vclock implements the Lamport and vector clocks that record which
// writes a change set's snapshot has already observed.
package vclock

import (
	"fmt"
	"strings"
	"time"

	"snapgraph/ident"
)

// now is swapped out by tests that need stable timestamps.
var now = func() time.Time { return time.Now().UTC() }

// LamportClock is a counter paired with the wall time of its last bump.
type LamportClock struct {
	Counter   uint64    `json:"counter"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLamportClock returns a clock that has recorded one event.
func NewLamportClock() LamportClock {
	return LamportClock{Counter: 1, Timestamp: now()}
}

// Inc records a new event.
func (c *LamportClock) Inc() {
	c.Counter++
	c.Timestamp = now()
}

// IncTo records a new event stamped with ts. The timestamp never moves
// backwards.
func (c *LamportClock) IncTo(ts time.Time) {
	c.Counter++
	if ts.After(c.Timestamp) {
		c.Timestamp = ts
	}
}

// Compare orders clocks by counter, then timestamp.
func (c LamportClock) Compare(other LamportClock) int {
	switch {
	case c.Counter < other.Counter:
		return -1
	case c.Counter > other.Counter:
		return 1
	}
	return c.Timestamp.Compare(other.Timestamp)
}

// After reports whether c is strictly newer than other.
func (c LamportClock) After(other LamportClock) bool {
	return c.Compare(other) > 0
}

// ClockID identifies one writer: an actor working in a change set.
type ClockID struct {
	Actor     ident.ID
	ChangeSet ident.ID
}

func (id ClockID) String() string {
	return id.Actor.String() + ":" + id.ChangeSet.String()
}

// MarshalText implements encoding.TextMarshaler so ClockID can key a JSON
// object.
func (id ClockID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ClockID) UnmarshalText(b []byte) error {
	actor, changeSet, ok := strings.Cut(string(b), ":")
	if !ok {
		return fmt.Errorf("malformed clock id %q", b)
	}
	a, err := ident.Parse(actor)
	if err != nil {
		return err
	}
	cs, err := ident.Parse(changeSet)
	if err != nil {
		return err
	}
	*id = ClockID{Actor: a, ChangeSet: cs}
	return nil
}
