// Package diff compares two versions of a snapshot graph. It produces the
// change list consumed by approval checks and the update batch shipped to
// the rebaser. Both walks prune any subtree whose merkle tree hash is
// unchanged.
//
// Both graphs are assumed to be free of garbage; run Cleanup first when in
// doubt.
package diff

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"snapgraph/cas"
	"snapgraph/graph"
	"snapgraph/ident"
)

// Change is one entity that differs between two snapshots. For deletions
// the hash is the entity's last merkle tree hash in the old snapshot.
type Change struct {
	EntityID       ident.ID       `json:"entityId"`
	EntityKind     graph.NodeKind `json:"entityKind"`
	MerkleTreeHash cas.Hash       `json:"merkleTreeHash"`
}

// Detector diffs an updated graph against a base graph.
type Detector struct {
	base    *graph.Graph
	updated *graph.Graph
}

// NewDetector creates a detector. base may be nil, in which case every
// reachable node of updated is new.
func NewDetector(base, updated *graph.Graph) *Detector {
	return &Detector{base: base, updated: updated}
}

// DetectChanges is shorthand for NewDetector(old, updated).DetectChanges().
func DetectChanges(old, updated *graph.Graph) []Change {
	return NewDetector(old, updated).DetectChanges()
}

// DetectUpdates is shorthand for NewDetector(base, updated).DetectUpdates().
func DetectUpdates(base, updated *graph.Graph) []graph.Update {
	return NewDetector(base, updated).DetectUpdates()
}

// match finds the base node corresponding to an updated node: same lineage
// and same id. The roots always correspond.
func (d *Detector) match(idx graph.NodeIndex, w graph.NodeWeight) (graph.NodeWeight, bool) {
	if d.base == nil {
		return graph.NodeWeight{}, false
	}
	if idx == d.updated.Root() {
		bw, err := d.base.NodeWeight(d.base.Root())
		return bw, err == nil
	}
	for _, bidx := range d.base.NodeIndexesByLineage(w.LineageID) {
		bw, err := d.base.NodeWeight(bidx)
		if err == nil && bw.ID == w.ID {
			return bw, true
		}
	}
	return graph.NodeWeight{}, false
}

// DetectChanges walks the updated graph from the root. An unchanged subtree
// is pruned. A new node is emitted, and so is a node whose own data changed
// or whose edges to surviving nodes changed; the walk then continues into
// its children. A node that only changed because a child was added or
// removed is walked but not emitted. Deleted nodes follow the walk output,
// sorted by id. A forked lineage shows up as an addition of the new id and a
// deletion of the old one.
func (d *Detector) DetectChanges() []Change {
	var changes []Change

	visited := mapset.NewThreadUnsafeSet[graph.NodeIndex]()
	stack := []graph.NodeIndex{d.updated.Root()}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visited.Add(idx) {
			continue
		}
		w, err := d.updated.NodeWeight(idx)
		if err != nil {
			continue
		}

		old, ok := d.match(idx, w)
		switch {
		case !ok:
			changes = append(changes, Change{EntityID: w.ID, EntityKind: w.Kind, MerkleTreeHash: w.MerkleTreeHash})
		case old.MerkleTreeHash == w.MerkleTreeHash:
			continue
		case d.ownChanged(idx, w, old):
			changes = append(changes, Change{EntityID: w.ID, EntityKind: w.Kind, MerkleTreeHash: w.MerkleTreeHash})
		}

		children := d.updated.Targets(idx, graph.AnyEdge)
		// Reverse so the walk visits children in edge order.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	return append(changes, d.deletions()...)
}

func (d *Detector) deletions() []Change {
	if d.base == nil {
		return nil
	}
	var out []Change
	for _, idx := range d.base.NodeIndexes() {
		if idx == d.base.Root() {
			continue
		}
		w, _ := d.base.NodeWeight(idx)
		if !d.updated.HasNode(w.ID) {
			out = append(out, Change{EntityID: w.ID, EntityKind: w.Kind, MerkleTreeHash: w.MerkleTreeHash})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID.Less(out[j].EntityID) })
	return out
}

// ownChanged reports whether the node's data changed, or whether its edges
// to nodes present in both graphs changed.
func (d *Detector) ownChanged(idx graph.NodeIndex, w, old graph.NodeWeight) bool {
	if w.NodeHash() != old.NodeHash() {
		return true
	}
	bidx, err := d.base.NodeIndexByID(old.ID)
	if err != nil {
		return true
	}
	oldEdges := survivingEdges(d.base, bidx, d.updated)
	newEdges := survivingEdges(d.updated, idx, d.base)
	return !oldEdges.Equal(newEdges)
}

type edgeKey struct {
	kind      graph.EdgeKind
	target    ident.ID
	isDefault bool
	key       string
	path      string
	srcComp   ident.ID
	dstComp   ident.ID
}

func keyOf(g *graph.Graph, ref graph.EdgeRef) edgeKey {
	tw, _ := g.NodeWeight(ref.Target)
	return edgeKey{
		kind:      ref.Weight.Kind,
		target:    tw.ID,
		isDefault: ref.Weight.IsDefault,
		key:       ref.Weight.Key,
		path:      ref.Weight.Path,
		srcComp:   ref.Weight.SourceComponentID,
		dstComp:   ref.Weight.DestinationComponentID,
	}
}

// survivingEdges collects the outgoing edges of idx in g whose targets also
// exist in other.
func survivingEdges(g *graph.Graph, idx graph.NodeIndex, other *graph.Graph) mapset.Set[edgeKey] {
	out := mapset.NewThreadUnsafeSet[edgeKey]()
	for _, ref := range g.EdgesDirected(idx, graph.Outgoing, graph.AnyEdge) {
		k := keyOf(g, ref)
		if other.HasNode(k.target) {
			out.Add(k)
		}
	}
	return out
}
