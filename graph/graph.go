// Package graph holds the workspace snapshot: an arena of typed nodes and
// edges addressed by dense index, with an id index for lookups. All
// relationships are index lookups; nothing holds a pointer to another node.
package graph

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"snapgraph/ident"
	"snapgraph/vclock"
)

// NodeIndex addresses a node slot in a Graph. Indexes are stable until the
// graph is re-encoded.
type NodeIndex int

type edgeIndex int

type nodeSlot struct {
	weight NodeWeight
	out    []edgeIndex
	in     []edgeIndex
	alive  bool
}

type edgeSlot struct {
	source NodeIndex
	target NodeIndex
	weight EdgeWeight
	alive  bool
}

// Graph is an in-memory snapshot. It is not safe for concurrent mutation;
// the rebase engine works on a private clone.
type Graph struct {
	nodes []nodeSlot
	edges []edgeSlot

	byID      map[ident.ID]NodeIndex
	byLineage map[ident.ID]mapset.Set[NodeIndex]
	root      NodeIndex

	// touched holds nodes whose merkle tree hash must be recomputed.
	touched mapset.Set[NodeIndex]
	clock   vclock.VectorClock
}

func newEmpty() *Graph {
	return &Graph{
		byID:      make(map[ident.ID]NodeIndex),
		byLineage: make(map[ident.ID]mapset.Set[NodeIndex]),
		touched:   mapset.NewThreadUnsafeSet[NodeIndex](),
		clock:     vclock.New(),
	}
}

// New creates a graph holding only the Root node.
func New() *Graph {
	g := newEmpty()
	root := NewNodeWeight(KindRoot, rootContent)
	g.root = g.insert(root)
	return g
}

// Root returns the index of the root node.
func (g *Graph) Root() NodeIndex {
	return g.root
}

// Clock returns a copy of the snapshot's vector clock.
func (g *Graph) Clock() vclock.VectorClock {
	return g.clock.Clone()
}

// MergeClock records that this snapshot has observed everything in other.
func (g *Graph) MergeClock(id vclock.ClockID, other vclock.VectorClock) {
	g.clock.Merge(id, other)
}

// IncClock records a local write by id.
func (g *Graph) IncClock(id vclock.ClockID) {
	g.clock.Inc(id)
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	return len(g.byID)
}

// EdgeCount returns the number of live edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for i := range g.edges {
		if g.edges[i].alive {
			n++
		}
	}
	return n
}

// NodeIndexes returns every live node index in ascending order.
func (g *Graph) NodeIndexes() []NodeIndex {
	out := make([]NodeIndex, 0, len(g.byID))
	for i := range g.nodes {
		if g.nodes[i].alive {
			out = append(out, NodeIndex(i))
		}
	}
	return out
}

func (g *Graph) slot(idx NodeIndex) (*nodeSlot, error) {
	if idx < 0 || int(idx) >= len(g.nodes) || !g.nodes[idx].alive {
		return nil, fmt.Errorf("node index %d: %w", idx, ErrNodeNotFound)
	}
	return &g.nodes[idx], nil
}

// NodeWeight returns the weight stored at idx.
func (g *Graph) NodeWeight(idx NodeIndex) (NodeWeight, error) {
	s, err := g.slot(idx)
	if err != nil {
		return NodeWeight{}, err
	}
	return s.weight, nil
}

// mustWeight is for indexes obtained from the graph itself.
func (g *Graph) mustWeight(idx NodeIndex) NodeWeight {
	return g.nodes[idx].weight
}

// NodeIndexByIDOpt looks up a node by id.
func (g *Graph) NodeIndexByIDOpt(id ident.ID) (NodeIndex, bool) {
	idx, ok := g.byID[id]
	return idx, ok
}

// NodeIndexByID looks up a node by id and fails if it is absent.
func (g *Graph) NodeIndexByID(id ident.ID) (NodeIndex, error) {
	idx, ok := g.byID[id]
	if !ok {
		return 0, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return idx, nil
}

// NodeWeightByID returns the weight of the node with the given id.
func (g *Graph) NodeWeightByID(id ident.ID) (NodeWeight, error) {
	idx, err := g.NodeIndexByID(id)
	if err != nil {
		return NodeWeight{}, err
	}
	return g.mustWeight(idx), nil
}

// HasNode reports whether a node with the given id exists.
func (g *Graph) HasNode(id ident.ID) bool {
	_, ok := g.byID[id]
	return ok
}

// NodeIndexesByLineage returns every node in the given lineage.
func (g *Graph) NodeIndexesByLineage(lineage ident.ID) []NodeIndex {
	set, ok := g.byLineage[lineage]
	if !ok {
		return nil
	}
	return set.ToSlice()
}

func (g *Graph) insert(w NodeWeight) NodeIndex {
	idx := NodeIndex(len(g.nodes))
	g.nodes = append(g.nodes, nodeSlot{weight: w, alive: true})
	g.byID[w.ID] = idx
	lineage, ok := g.byLineage[w.LineageID]
	if !ok {
		lineage = mapset.NewThreadUnsafeSet[NodeIndex]()
		g.byLineage[w.LineageID] = lineage
	}
	lineage.Add(idx)
	g.touched.Add(idx)
	return idx
}

// AddNode inserts a new node. It fails if the id is already present.
func (g *Graph) AddNode(w NodeWeight) (NodeIndex, error) {
	if !w.Kind.Valid() {
		return 0, fmt.Errorf("adding node %s (%q): %w", w.ID, w.Kind, ErrUnknownKind)
	}
	if _, ok := g.byID[w.ID]; ok {
		return 0, fmt.Errorf("adding node %s: %w", w.ID, ErrDuplicateNode)
	}
	return g.insert(w), nil
}

// AddOrReplaceNode inserts w, or replaces the weight of the node with the
// same id while keeping its edges.
func (g *Graph) AddOrReplaceNode(w NodeWeight) (NodeIndex, error) {
	idx, ok := g.byID[w.ID]
	if !ok {
		return g.AddNode(w)
	}
	old := g.nodes[idx].weight
	if old.Kind != w.Kind {
		return 0, fmt.Errorf("replacing node %s: kind %s cannot become %s: %w",
			w.ID, old.Kind, w.Kind, ErrStructural)
	}
	if old.LineageID != w.LineageID {
		g.dropLineage(old.LineageID, idx)
		lineage, ok := g.byLineage[w.LineageID]
		if !ok {
			lineage = mapset.NewThreadUnsafeSet[NodeIndex]()
			g.byLineage[w.LineageID] = lineage
		}
		lineage.Add(idx)
	}
	g.nodes[idx].weight = w
	g.touched.Add(idx)
	return idx, nil
}

func (g *Graph) dropLineage(lineage ident.ID, idx NodeIndex) {
	set, ok := g.byLineage[lineage]
	if !ok {
		return
	}
	set.Remove(idx)
	if set.Cardinality() == 0 {
		delete(g.byLineage, lineage)
	}
}

// RemoveNode deletes a node and every edge touching it. The root cannot be
// removed.
func (g *Graph) RemoveNode(idx NodeIndex) error {
	s, err := g.slot(idx)
	if err != nil {
		return err
	}
	if idx == g.root {
		return fmt.Errorf("removing root node: %w", ErrStructural)
	}

	for _, e := range append(append([]edgeIndex(nil), s.out...), s.in...) {
		g.dropEdge(e)
	}

	delete(g.byID, s.weight.ID)
	g.dropLineage(s.weight.LineageID, idx)
	g.touched.Remove(idx)
	s.alive = false
	s.out, s.in = nil, nil
	return nil
}

// AddEdge connects source to target. An existing edge of the same kind
// between the two is replaced. The source's kind must allow the edge.
func (g *Graph) AddEdge(source NodeIndex, w EdgeWeight, target NodeIndex) error {
	src, err := g.slot(source)
	if err != nil {
		return err
	}
	if _, err := g.slot(target); err != nil {
		return err
	}
	if !src.weight.Kind.AllowsOutgoing(w.Kind) {
		return fmt.Errorf("%s edge from %s %s: %w", w.Kind, src.weight.Kind, src.weight.ID, ErrEdgeNotAllowed)
	}

	for _, e := range src.out {
		es := &g.edges[e]
		if es.target == target && es.weight.Kind == w.Kind {
			es.weight = w
			g.touched.Add(source)
			return nil
		}
	}

	e := edgeIndex(len(g.edges))
	g.edges = append(g.edges, edgeSlot{source: source, target: target, weight: w, alive: true})
	src.out = append(src.out, e)
	g.nodes[target].in = append(g.nodes[target].in, e)
	g.touched.Add(source)
	return nil
}

// RemoveEdge removes the edge of the given kind between source and target.
// Removing an absent edge is a no-op.
func (g *Graph) RemoveEdge(source, target NodeIndex, kind EdgeKind) error {
	src, err := g.slot(source)
	if err != nil {
		return err
	}
	for _, e := range append([]edgeIndex(nil), src.out...) {
		es := g.edges[e]
		if es.target == target && (kind == AnyEdge || es.weight.Kind == kind) {
			g.dropEdge(e)
		}
	}
	return nil
}

func (g *Graph) dropEdge(e edgeIndex) {
	es := &g.edges[e]
	if !es.alive {
		return
	}
	es.alive = false
	g.nodes[es.source].out = without(g.nodes[es.source].out, e)
	g.nodes[es.target].in = without(g.nodes[es.target].in, e)
	if g.nodes[es.source].alive {
		g.touched.Add(es.source)
	}
}

func without(list []edgeIndex, e edgeIndex) []edgeIndex {
	out := list[:0]
	for _, x := range list {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

// Clone returns an independent copy. Dead slots are dropped, so indexes in
// the clone may differ from the original.
func (g *Graph) Clone() *Graph {
	out := newEmpty()
	remap := make(map[NodeIndex]NodeIndex, len(g.byID))
	for _, idx := range g.NodeIndexes() {
		w := g.nodes[idx].weight
		w.Approvers = append([]Approver(nil), w.Approvers...)
		nidx := NodeIndex(len(out.nodes))
		out.nodes = append(out.nodes, nodeSlot{weight: w, alive: true})
		out.byID[w.ID] = nidx
		lineage, ok := out.byLineage[w.LineageID]
		if !ok {
			lineage = mapset.NewThreadUnsafeSet[NodeIndex]()
			out.byLineage[w.LineageID] = lineage
		}
		lineage.Add(nidx)
		remap[idx] = nidx
	}
	for _, es := range g.edges {
		if !es.alive {
			continue
		}
		e := edgeIndex(len(out.edges))
		src, dst := remap[es.source], remap[es.target]
		out.edges = append(out.edges, edgeSlot{source: src, target: dst, weight: es.weight, alive: true})
		out.nodes[src].out = append(out.nodes[src].out, e)
		out.nodes[dst].in = append(out.nodes[dst].in, e)
	}
	for idx := range g.touched.Iter() {
		if n, ok := remap[idx]; ok {
			out.touched.Add(n)
		}
	}
	out.root = remap[g.root]
	out.clock = g.clock.Clone()
	return out
}

// EnsureCategory returns the category node of the given kind, creating it
// under the root if needed.
func (g *Graph) EnsureCategory(kind CategoryKind) (NodeIndex, error) {
	if idx, ok := g.Category(kind); ok {
		return idx, nil
	}
	idx, err := g.AddNode(NewCategory(kind))
	if err != nil {
		return 0, err
	}
	if err := g.AddEdge(g.root, NewEdgeWeight(EdgeUse), idx); err != nil {
		return 0, err
	}
	return idx, nil
}

// Category finds the category node of the given kind.
func (g *Graph) Category(kind CategoryKind) (NodeIndex, bool) {
	for _, ref := range g.EdgesDirected(g.root, Outgoing, EdgeUse) {
		w := g.mustWeight(ref.Target)
		if w.Kind == KindCategory && w.Category == kind {
			return ref.Target, true
		}
	}
	return 0, false
}
