package graph

import (
	"testing"

	"snapgraph/cas"
)

type fixture struct {
	t *testing.T
	g *Graph
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, g: New()}
}

func (f *fixture) category(kind CategoryKind) NodeIndex {
	f.t.Helper()
	idx, err := f.g.EnsureCategory(kind)
	if err != nil {
		f.t.Fatalf("EnsureCategory(%s) failed: %v", kind, err)
	}
	return idx
}

func (f *fixture) node(kind NodeKind, content string) NodeIndex {
	f.t.Helper()
	idx, err := f.g.AddNode(NewNodeWeight(kind, cas.ContentHash([]byte(content))))
	if err != nil {
		f.t.Fatalf("AddNode failed: %v", err)
	}
	return idx
}

func (f *fixture) edge(src NodeIndex, w EdgeWeight, dst NodeIndex) {
	f.t.Helper()
	if err := f.g.AddEdge(src, w, dst); err != nil {
		f.t.Fatalf("AddEdge failed: %v", err)
	}
}

func (f *fixture) use(src, dst NodeIndex) {
	f.t.Helper()
	f.edge(src, NewEdgeWeight(EdgeUse), dst)
}

func (f *fixture) id(idx NodeIndex) NodeWeight {
	f.t.Helper()
	w, err := f.g.NodeWeight(idx)
	if err != nil {
		f.t.Fatalf("NodeWeight failed: %v", err)
	}
	return w
}

func (f *fixture) component(name string) NodeIndex {
	f.t.Helper()
	comp := f.node(KindComponent, name)
	f.use(f.category(CategoryComponent), comp)
	return comp
}

// view adds a view under the view category. isDefault flags the category
// edge as the default view.
func (f *fixture) view(name string, isDefault bool) NodeIndex {
	f.t.Helper()
	view := f.node(KindView, name)
	w := NewEdgeWeight(EdgeUse)
	w.IsDefault = isDefault
	f.edge(f.category(CategoryView), w, view)
	return view
}

// place puts a geometry for target into view and returns the geometry.
func (f *fixture) place(view, target NodeIndex) NodeIndex {
	f.t.Helper()
	geo := f.node(KindGeometry, "geometry")
	f.use(view, geo)
	f.edge(geo, NewEdgeWeight(EdgeRepresents), target)
	return geo
}

func (f *fixture) encode() []byte {
	f.t.Helper()
	f.g.RecalculateMerkleTreeHashes()
	data, err := f.g.Encode()
	if err != nil {
		f.t.Fatalf("Encode failed: %v", err)
	}
	return data
}
