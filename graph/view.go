package graph

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"snapgraph/ident"
)

// IsDefaultView reports whether some node points at view with a default Use
// edge.
func (g *Graph) IsDefaultView(view NodeIndex) bool {
	for _, ref := range g.EdgesDirected(view, Incoming, EdgeUse) {
		if ref.Weight.IsDefault {
			return true
		}
	}
	return false
}

// RemoveView deletes a view together with its geometries and diagram
// object. Every check runs before the first mutation: removing the default
// view fails with ErrDefaultView, and removing the only view of a component
// fails with an *OrphanError naming every such component. In both cases the
// graph is untouched.
func (g *Graph) RemoveView(viewID ident.ID) error {
	view, err := g.NodeIndexByID(viewID)
	if err != nil {
		return fmt.Errorf("removing view: %w", err)
	}
	if w := g.mustWeight(view); w.Kind != KindView {
		return fmt.Errorf("removing view: node %s is a %s: %w", viewID, w.Kind, ErrStructural)
	}
	if g.IsDefaultView(view) {
		return fmt.Errorf("removing view %s: %w", viewID, ErrDefaultView)
	}

	geometries := g.ofKind(g.Targets(view, EdgeUse), KindGeometry)
	var orphans []ident.ID
	for _, geo := range geometries {
		represented, ok, err := g.Targets(geo, EdgeRepresents).SingleOpt()
		if err != nil {
			return fmt.Errorf("removing view %s: geometry %s: %w", viewID, g.idOf(geo), err)
		}
		if !ok {
			continue
		}
		rw := g.mustWeight(represented)
		if rw.Kind != KindComponent {
			continue
		}
		if !g.representedElsewhere(represented, view) {
			orphans = append(orphans, rw.ID)
		}
	}
	if len(orphans) > 0 {
		return &OrphanError{ViewID: viewID, Orphans: orphans}
	}

	// The view's own diagram object and the geometries placing it inside
	// other views.
	doomed := mapset.NewThreadUnsafeSet[NodeIndex]()
	diagramObject, ok, err := g.Targets(view, EdgeDiagramObject).SingleOpt()
	if err != nil {
		return fmt.Errorf("removing view %s: diagram object: %w", viewID, err)
	}
	if ok {
		for _, geo := range g.ofKind(g.Sources(diagramObject, EdgeRepresents), KindGeometry) {
			doomed.Add(geo)
		}
		doomed.Add(diagramObject)
	}
	for _, geo := range geometries {
		doomed.Add(geo)
	}

	for idx := range doomed.Iter() {
		if err := g.RemoveNode(idx); err != nil {
			return fmt.Errorf("removing view %s: %w", viewID, err)
		}
	}
	return g.RemoveNode(view)
}

// representedElsewhere reports whether some view other than exclude holds a
// geometry for the component.
func (g *Graph) representedElsewhere(component, exclude NodeIndex) bool {
	for _, v := range g.ViewsForComponent(component) {
		if v != exclude {
			return true
		}
	}
	return false
}
