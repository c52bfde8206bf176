package graph

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"snapgraph/cas"
)

var rootContent = cas.ContentHash([]byte("snapgraph:root"))

// MerkleStale reports whether some node's merkle tree hash is out of date.
func (g *Graph) MerkleStale() bool {
	return g.touched.Cardinality() > 0
}

// RecalculateMerkleTreeHashes recomputes merkle tree hashes bottom-up for
// every touched node and its ancestors. Untouched subtrees keep their hash.
func (g *Graph) RecalculateMerkleTreeHashes() {
	if g.touched.Cardinality() == 0 {
		return
	}

	dirty := mapset.NewThreadUnsafeSet[NodeIndex]()
	queue := g.touched.ToSlice()
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		if !g.nodes[idx].alive || !dirty.Add(idx) {
			continue
		}
		for _, e := range g.nodes[idx].in {
			queue = append(queue, g.edges[e].source)
		}
	}

	starts := dirty.ToSlice()
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	done := mapset.NewThreadUnsafeSet[NodeIndex]()
	type frame struct {
		idx  NodeIndex
		next int
	}
	for _, start := range starts {
		if done.Contains(start) {
			continue
		}
		stack := []frame{{idx: start}}
		onStack := mapset.NewThreadUnsafeSet[NodeIndex](start)
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			out := g.nodes[top.idx].out
			if top.next < len(out) {
				child := g.edges[out[top.next]].target
				top.next++
				// A back edge keeps the child's current hash.
				if dirty.Contains(child) && !done.Contains(child) && !onStack.Contains(child) {
					onStack.Add(child)
					stack = append(stack, frame{idx: child})
				}
				continue
			}
			g.hashNode(top.idx)
			done.Add(top.idx)
			onStack.Remove(top.idx)
			stack = stack[:len(stack)-1]
		}
	}

	g.touched.Clear()
}

func (g *Graph) hashNode(idx NodeIndex) {
	s := &g.nodes[idx]
	children := make([]cas.MerkleChild, 0, len(s.out))
	for _, e := range s.out {
		es := g.edges[e]
		child := g.nodes[es.target].weight
		children = append(children, cas.MerkleChild{
			EdgeKind:    string(es.weight.Kind),
			EdgePayload: es.weight.payload(),
			ChildID:     child.ID,
			ChildHash:   child.MerkleTreeHash,
		})
	}
	s.weight.MerkleTreeHash = cas.MerkleTreeHash(s.weight.NodeHash(), children)
}

// Cleanup removes garbage: any node other than the root with no incoming
// edges is unreachable, and removing it may expose more. Repeats until
// only reachable nodes remain.
func (g *Graph) Cleanup() int {
	removed := 0
	for {
		var stale []NodeIndex
		for _, idx := range g.NodeIndexes() {
			if idx != g.root && len(g.nodes[idx].in) == 0 {
				stale = append(stale, idx)
			}
		}
		if len(stale) == 0 {
			return removed
		}
		for _, idx := range stale {
			// Indexes come from the graph, so removal cannot fail.
			_ = g.RemoveNode(idx)
			removed++
		}
	}
}
