package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sanity-io/litter"

	"snapgraph/ident"
	"snapgraph/vclock"
)

const snapshotVersion = 1

type snapshotDoc struct {
	Version int                `json:"version"`
	Root    ident.ID           `json:"root"`
	Clock   vclock.VectorClock `json:"clock"`
	Nodes   []NodeWeight       `json:"nodes"`
	Edges   []edgeDoc          `json:"edges"`
}

type edgeDoc struct {
	Source ident.ID   `json:"source"`
	Target ident.ID   `json:"target"`
	Weight EdgeWeight `json:"weight"`
}

// Encode serializes the snapshot deterministically: nodes sorted by id,
// edges by (source, kind, target). Equal graphs encode to equal bytes, so
// the encoding's hash is the snapshot's content address. Hashes must be
// current.
func (g *Graph) Encode() ([]byte, error) {
	if g.MerkleStale() {
		return nil, ErrStaleMerkle
	}

	doc := snapshotDoc{
		Version: snapshotVersion,
		Root:    g.mustWeight(g.root).ID,
		Clock:   g.clock,
		Nodes:   make([]NodeWeight, 0, len(g.byID)),
	}
	for _, idx := range g.NodeIndexes() {
		doc.Nodes = append(doc.Nodes, g.mustWeight(idx))
	}
	sort.Slice(doc.Nodes, func(i, j int) bool { return doc.Nodes[i].ID.Less(doc.Nodes[j].ID) })

	for _, es := range g.edges {
		if !es.alive {
			continue
		}
		doc.Edges = append(doc.Edges, edgeDoc{
			Source: g.mustWeight(es.source).ID,
			Target: g.mustWeight(es.target).ID,
			Weight: es.weight,
		})
	}
	sort.Slice(doc.Edges, func(i, j int) bool {
		a, b := doc.Edges[i], doc.Edges[j]
		if c := a.Source.Compare(b.Source); c != 0 {
			return c < 0
		}
		if a.Weight.Kind != b.Weight.Kind {
			return a.Weight.Kind < b.Weight.Kind
		}
		return a.Target.Less(b.Target)
	})

	return json.Marshal(doc)
}

// Decode rebuilds a graph from Encode output.
func Decode(data []byte) (*Graph, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("decoding snapshot: unsupported version %d", doc.Version)
	}

	g := newEmpty()
	for _, w := range doc.Nodes {
		if _, err := g.AddNode(w); err != nil {
			return nil, fmt.Errorf("decoding snapshot: %w", err)
		}
	}
	root, ok := g.byID[doc.Root]
	if !ok {
		return nil, fmt.Errorf("decoding snapshot: root %s: %w", doc.Root, ErrNodeNotFound)
	}
	g.root = root

	for _, e := range doc.Edges {
		src, err := g.NodeIndexByID(e.Source)
		if err != nil {
			return nil, fmt.Errorf("decoding snapshot: edge source: %w", err)
		}
		dst, err := g.NodeIndexByID(e.Target)
		if err != nil {
			return nil, fmt.Errorf("decoding snapshot: edge target: %w", err)
		}
		if err := g.AddEdge(src, e.Weight, dst); err != nil {
			return nil, fmt.Errorf("decoding snapshot: %w", err)
		}
	}

	if doc.Clock.Entries != nil {
		g.clock = doc.Clock
	}
	// Stored hashes are authoritative.
	g.touched.Clear()
	return g, nil
}

var dumpOptions = litter.Options{
	HidePrivateFields: false,
	Compact:           false,
	StripPackageNames: true,
}

// Dump renders the live nodes and edges for debugging.
func (g *Graph) Dump() string {
	type dumpEdge struct {
		Source, Target ident.ID
		Weight         EdgeWeight
	}
	var nodes []NodeWeight
	for _, idx := range g.NodeIndexes() {
		nodes = append(nodes, g.mustWeight(idx))
	}
	var edges []dumpEdge
	for _, es := range g.edges {
		if es.alive {
			edges = append(edges, dumpEdge{g.mustWeight(es.source).ID, g.mustWeight(es.target).ID, es.weight})
		}
	}
	return dumpOptions.Sdump(struct {
		Nodes []NodeWeight
		Edges []dumpEdge
	}{nodes, edges})
}
