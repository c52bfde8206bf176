package depgraph

import (
	"reflect"
	"testing"
)

func TestIsCyclic(t *testing.T) {
	edges := [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}}

	g := New[string]()
	for _, e := range edges {
		g.IDDependsOn(e[0], e[1])
	}
	if !g.IsCyclic() {
		t.Fatal("A->B->C->A should be cyclic")
	}

	for _, drop := range edges {
		t.Run(drop[0]+"->"+drop[1], func(t *testing.T) {
			g := New[string]()
			for _, e := range edges {
				if e != drop {
					g.IDDependsOn(e[0], e[1])
				}
			}
			if g.IsCyclic() {
				t.Errorf("removing %v should break the cycle", drop)
			}
		})
	}
}

func TestRemoveDependency(t *testing.T) {
	g := New[int]()
	g.IDDependsOn(1, 2)
	g.IDDependsOn(2, 1)
	if !g.IsCyclic() {
		t.Fatal("expected cycle")
	}
	g.RemoveDependency(2, 1)
	if g.IsCyclic() {
		t.Error("expected no cycle after removal")
	}
}

func TestFindCycle(t *testing.T) {
	g := New[string]()
	g.IDDependsOn("root", "A")
	g.IDDependsOn("A", "B")
	g.IDDependsOn("B", "C")
	g.IDDependsOn("C", "A")

	cycle, ok := g.FindCycle()
	if !ok {
		t.Fatal("expected a cycle")
	}
	want := []string{"A", "B", "C", "A"}
	if !reflect.DeepEqual(cycle, want) {
		t.Errorf("expected %v, got %v", want, cycle)
	}
}

func TestSelfDependency(t *testing.T) {
	g := New[string]()
	g.IDDependsOn("A", "A")
	if !g.IsCyclic() {
		t.Error("self dependency is a cycle")
	}
}

func TestDiamondIsAcyclic(t *testing.T) {
	g := New[string]()
	g.IDDependsOn("A", "B")
	g.IDDependsOn("A", "C")
	g.IDDependsOn("B", "D")
	g.IDDependsOn("C", "D")

	if g.IsCyclic() {
		t.Error("diamond should not be cyclic")
	}
	if got := g.IndependentIDs(); !reflect.DeepEqual(got, []string{"D"}) {
		t.Errorf("expected [D] independent, got %v", got)
	}
	if got := g.Dependencies("A"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("expected A to depend on [B C], got %v", got)
	}
}
