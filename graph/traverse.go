package graph

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"snapgraph/ident"
)

// Direction selects which edges of a node to visit.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// EdgeRef is one edge as seen from a traversal.
type EdgeRef struct {
	Weight EdgeWeight
	Source NodeIndex
	Target NodeIndex
}

// EdgesDirected returns the edges of idx in the given direction, filtered
// by kind unless kind is AnyEdge. An unknown index yields no edges.
func (g *Graph) EdgesDirected(idx NodeIndex, dir Direction, kind EdgeKind) []EdgeRef {
	s, err := g.slot(idx)
	if err != nil {
		return nil
	}
	list := s.out
	if dir == Incoming {
		list = s.in
	}
	out := make([]EdgeRef, 0, len(list))
	for _, e := range list {
		es := g.edges[e]
		if kind != AnyEdge && es.weight.Kind != kind {
			continue
		}
		out = append(out, EdgeRef{Weight: es.weight, Source: es.source, Target: es.target})
	}
	return out
}

// Neighbors is the result of a one-hop lookup.
type Neighbors []NodeIndex

// Single returns the only neighbor. Zero or several neighbors mean a broken
// invariant.
func (n Neighbors) Single() (NodeIndex, error) {
	if len(n) != 1 {
		return 0, fmt.Errorf("expected exactly one neighbor, found %d: %w", len(n), ErrCardinality)
	}
	return n[0], nil
}

// SingleOpt returns the neighbor if there is one. More than one is an
// error.
func (n Neighbors) SingleOpt() (NodeIndex, bool, error) {
	switch len(n) {
	case 0:
		return 0, false, nil
	case 1:
		return n[0], true, nil
	}
	return 0, false, fmt.Errorf("expected at most one neighbor, found %d: %w", len(n), ErrCardinality)
}

// Targets returns the nodes idx points at through edges of the given kind.
func (g *Graph) Targets(idx NodeIndex, kind EdgeKind) Neighbors {
	refs := g.EdgesDirected(idx, Outgoing, kind)
	out := make(Neighbors, len(refs))
	for i, r := range refs {
		out[i] = r.Target
	}
	return out
}

// Sources returns the nodes pointing at idx through edges of the given
// kind.
func (g *Graph) Sources(idx NodeIndex, kind EdgeKind) Neighbors {
	refs := g.EdgesDirected(idx, Incoming, kind)
	out := make(Neighbors, len(refs))
	for i, r := range refs {
		out[i] = r.Source
	}
	return out
}

func (g *Graph) ofKind(n Neighbors, kind NodeKind) Neighbors {
	out := n[:0:0]
	for _, idx := range n {
		if g.mustWeight(idx).Kind == kind {
			out = append(out, idx)
		}
	}
	return out
}

// AttributeValueRoot walks Contain edges up from an attribute value to the
// root of its value tree.
func (g *Graph) AttributeValueRoot(av NodeIndex) (NodeIndex, error) {
	visited := mapset.NewThreadUnsafeSet[NodeIndex]()
	cur := av
	for {
		if !visited.Add(cur) {
			w, _ := g.NodeWeight(cur)
			return 0, fmt.Errorf("walking to root of attribute value %s: revisited %s: %w", g.idOf(av), w.ID, ErrCycle)
		}
		parent, ok, err := g.Sources(cur, EdgeContain).SingleOpt()
		if err != nil {
			return 0, fmt.Errorf("parent of attribute value %s: %w", g.idOf(cur), err)
		}
		if !ok {
			return cur, nil
		}
		cur = parent
	}
}

// ComponentForAttributeValue resolves the component owning an attribute
// value through its root's Root or SocketValue edge.
func (g *Graph) ComponentForAttributeValue(av NodeIndex) (NodeIndex, error) {
	root, err := g.AttributeValueRoot(av)
	if err != nil {
		return 0, err
	}
	for _, kind := range []EdgeKind{EdgeRoot, EdgeSocketValue} {
		comp, ok, err := g.Sources(root, kind).SingleOpt()
		if err != nil {
			return 0, fmt.Errorf("component for attribute value %s: %w", g.idOf(av), err)
		}
		if ok {
			return comp, nil
		}
	}
	return 0, fmt.Errorf("no component owns attribute value %s: %w", g.idOf(av), ErrCardinality)
}

// ViewsForComponent returns the views that hold a geometry representing the
// component, sorted by index.
func (g *Graph) ViewsForComponent(component NodeIndex) []NodeIndex {
	views := mapset.NewThreadUnsafeSet[NodeIndex]()
	for _, geo := range g.ofKind(g.Sources(component, EdgeRepresents), KindGeometry) {
		for _, view := range g.ofKind(g.Sources(geo, EdgeUse), KindView) {
			views.Add(view)
		}
	}
	out := views.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ApprovalRequirementDefinitions returns the ids of the definitions idx
// reaches through HasApprovalRequirement edges.
func (g *Graph) ApprovalRequirementDefinitions(idx NodeIndex) []ident.ID {
	var out []ident.ID
	for _, def := range g.Targets(idx, EdgeHasApprovalRequirement) {
		w := g.mustWeight(def)
		if w.Kind == KindApprovalRequirementDefinition {
			out = append(out, w.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (g *Graph) idOf(idx NodeIndex) ident.ID {
	if w, err := g.NodeWeight(idx); err == nil {
		return w.ID
	}
	return ident.Nil
}
