package graph

import (
	"errors"
	"fmt"
	"strings"

	"snapgraph/ident"
)

var (
	// ErrStructural marks a broken structural invariant. Every more
	// specific structural error wraps it.
	ErrStructural     = errors.New("structural invariant violation")
	ErrCycle          = fmt.Errorf("%w: cycle detected", ErrStructural)
	ErrCardinality    = fmt.Errorf("%w: unexpected neighbor count", ErrStructural)
	ErrEdgeNotAllowed = fmt.Errorf("%w: edge kind not allowed for source", ErrStructural)
	ErrUnknownKind    = fmt.Errorf("%w: unknown node kind", ErrStructural)
	ErrStaleMerkle    = fmt.Errorf("%w: merkle tree hashes are stale", ErrStructural)

	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("node already exists")

	// ErrConflictingDeletion means a removal would orphan an entity.
	ErrConflictingDeletion = errors.New("conflicting deletion")
	ErrDefaultView         = fmt.Errorf("%w: cannot remove the default view", ErrConflictingDeletion)

	ErrCorrectionNotSubtractive = errors.New("correction introduced updates")
)

// OrphanError lists every entity a view removal would have orphaned.
type OrphanError struct {
	ViewID  ident.ID
	Orphans []ident.ID
}

func (e *OrphanError) Error() string {
	ids := make([]string, len(e.Orphans))
	for i, id := range e.Orphans {
		ids[i] = id.String()
	}
	return fmt.Sprintf("removing view %s would orphan %d component(s): %s",
		e.ViewID, len(e.Orphans), strings.Join(ids, ", "))
}

func (e *OrphanError) Unwrap() error {
	return ErrConflictingDeletion
}
