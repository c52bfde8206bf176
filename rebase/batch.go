// Package rebase applies a change set's updates onto a target change set's
// snapshot.
package rebase

import (
	"encoding/json"
	"fmt"

	"snapgraph/cas"
	"snapgraph/diff"
	"snapgraph/graph"
	"snapgraph/vclock"
)

// Batch is what a change set ships to the rebaser: the updates to apply
// and the clock of the snapshot they were detected in.
type Batch struct {
	Updates []graph.Update     `json:"updates"`
	Clock   vclock.VectorClock `json:"clock"`
}

// BatchFromGraphs detects the updates that turn base into updated. The
// batch clock is updated's clock plus one event by author, so a target
// that already merged an earlier batch from the same change set does not
// mistake this one for a replay.
func BatchFromGraphs(base, updated *graph.Graph, author vclock.ClockID) Batch {
	clock := updated.Clock()
	clock.Inc(author)
	return Batch{Updates: diff.DetectUpdates(base, updated), Clock: clock}
}

// IsEmpty reports whether the batch carries no updates.
func (b Batch) IsEmpty() bool {
	return len(b.Updates) == 0
}

// Encode returns the canonical encoding. Equal batches encode to equal
// bytes, so the encoding's hash is the batch address.
func (b Batch) Encode() ([]byte, error) {
	for i, u := range b.Updates {
		if err := u.Validate(); err != nil {
			return nil, fmt.Errorf("encoding batch: update %d: %w", i, err)
		}
	}
	if b.Updates == nil {
		b.Updates = []graph.Update{}
	}
	return cas.CanonicalJSON(b)
}

// Address returns the content address of the encoded batch.
func (b Batch) Address() (cas.Hash, error) {
	data, err := b.Encode()
	if err != nil {
		return cas.Zero, err
	}
	return cas.ContentHash(data), nil
}

// DecodeBatch parses an encoded batch.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("decoding batch: %w", err)
	}
	for i, u := range b.Updates {
		if err := u.Validate(); err != nil {
			return Batch{}, fmt.Errorf("decoding batch: update %d: %w", i, err)
		}
	}
	return b, nil
}
