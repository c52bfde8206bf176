package diff

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"snapgraph/graph"
	"snapgraph/ident"
)

type nodeDiff int

const (
	diffNone nodeDiff = iota
	diffNew
	diffChanged
)

// DetectUpdates produces the batch that turns base into updated. It walks
// updated depth-first: a NewNode is emitted when a new node is discovered,
// so it precedes every edge update that refers to it; edge updates are
// emitted when the node is finished. Changed nodes get a ReplaceNode when
// their own data differs, plus RemoveEdge and NewEdge updates for the
// outgoing edges that differ. A NewEdge to an existing target also carries
// payload changes, since adding an edge replaces one of the same kind.
func (d *Detector) DetectUpdates() []graph.Update {
	var updates []graph.Update

	type frame struct {
		idx      graph.NodeIndex
		diff     nodeDiff
		base     graph.NodeWeight
		children graph.Neighbors
		next     int
	}

	visited := mapset.NewThreadUnsafeSet[graph.NodeIndex]()
	discover := func(idx graph.NodeIndex) (frame, bool) {
		w, err := d.updated.NodeWeight(idx)
		if err != nil {
			return frame{}, false
		}
		f := frame{idx: idx}
		base, ok := d.match(idx, w)
		switch {
		case !ok:
			f.diff = diffNew
			updates = append(updates, graph.NewNodeUpdate(w))
		case base.MerkleTreeHash != w.MerkleTreeHash:
			f.diff = diffChanged
			f.base = base
		default:
			return frame{}, false
		}
		f.children = d.updated.Targets(idx, graph.AnyEdge)
		return f, true
	}

	root := d.updated.Root()
	visited.Add(root)
	var stack []frame
	if f, ok := discover(root); ok {
		stack = append(stack, f)
	}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.children) {
			child := top.children[top.next]
			top.next++
			if !visited.Add(child) {
				continue
			}
			if f, ok := discover(child); ok {
				stack = append(stack, f)
			}
			continue
		}

		switch top.diff {
		case diffNew:
			updates = append(updates, d.newNodeEdges(top.idx)...)
		case diffChanged:
			updates = append(updates, d.changedNodeUpdates(top.idx, top.base)...)
		}
		stack = stack[:len(stack)-1]
	}

	return updates
}

func (d *Detector) newNodeEdges(idx graph.NodeIndex) []graph.Update {
	src, _ := d.updated.NodeWeight(idx)
	var out []graph.Update
	for _, ref := range d.updated.EdgesDirected(idx, graph.Outgoing, graph.AnyEdge) {
		dst, err := d.updated.NodeWeight(ref.Target)
		if err != nil {
			continue
		}
		out = append(out, graph.NewEdgeUpdate(src.Info(), dst.Info(), ref.Weight))
	}
	return out
}

type edgeTarget struct {
	kind   graph.EdgeKind
	target ident.ID
}

type edgeInfo struct {
	dst    graph.NodeWeight
	weight graph.EdgeWeight
}

func outgoing(g *graph.Graph, idx graph.NodeIndex) map[edgeTarget]edgeInfo {
	out := make(map[edgeTarget]edgeInfo)
	for _, ref := range g.EdgesDirected(idx, graph.Outgoing, graph.AnyEdge) {
		dst, err := g.NodeWeight(ref.Target)
		if err != nil {
			continue
		}
		out[edgeTarget{kind: ref.Weight.Kind, target: dst.ID}] = edgeInfo{dst: dst, weight: ref.Weight}
	}
	return out
}

func sortedTargets(m map[edgeTarget]edgeInfo) []edgeTarget {
	keys := make([]edgeTarget, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].target.Less(keys[j].target)
	})
	return keys
}

func (d *Detector) changedNodeUpdates(idx graph.NodeIndex, base graph.NodeWeight) []graph.Update {
	w, _ := d.updated.NodeWeight(idx)
	var out []graph.Update
	if w.NodeHash() != base.NodeHash() {
		out = append(out, graph.ReplaceNodeUpdate(w))
	}

	bidx, err := d.base.NodeIndexByID(base.ID)
	if err != nil {
		return out
	}
	baseEdges := outgoing(d.base, bidx)
	newEdges := outgoing(d.updated, idx)

	// Addressed by the base id, which differs from w.ID only for the root.
	src := base.Info()
	for _, k := range sortedTargets(baseEdges) {
		if _, ok := newEdges[k]; !ok {
			out = append(out, graph.RemoveEdgeUpdate(src, baseEdges[k].dst.Info(), k.kind))
		}
	}
	for _, k := range sortedTargets(newEdges) {
		info := newEdges[k]
		if old, ok := baseEdges[k]; ok && old.weight == info.weight {
			continue
		}
		out = append(out, graph.NewEdgeUpdate(src, info.dst.Info(), info.weight))
	}
	return out
}
