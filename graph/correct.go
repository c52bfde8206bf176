package graph

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"

	"snapgraph/ident"
)

// TransformCorrector normalizes a proposed batch against the target graph
// before it is applied. Correction only removes updates.
type TransformCorrector interface {
	CorrectTransforms(g *Graph, node NodeWeight, updates []Update, fromDifferentChangeSet bool) ([]Update, error)
}

// CorrectTransforms runs the corrector of every distinct node the batch
// touches, in order of first appearance. A node's weight comes from the
// batch when the batch carries it, otherwise from g. A corrector that adds
// anything to the batch fails the whole correction.
func CorrectTransforms(g *Graph, updates []Update, fromDifferentChangeSet bool) ([]Update, error) {
	batchNodes := make(map[ident.ID]NodeWeight)
	for _, u := range updates {
		if u.Node != nil {
			if _, seen := batchNodes[u.Node.ID]; !seen {
				batchNodes[u.Node.ID] = *u.Node
			}
		}
	}

	var order []NodeWeight
	seen := mapset.NewThreadUnsafeSet[ident.ID]()
	visit := func(id ident.ID) {
		if !seen.Add(id) {
			return
		}
		if w, err := g.NodeWeightByID(id); err == nil {
			order = append(order, w)
		} else if w, ok := batchNodes[id]; ok {
			order = append(order, w)
		}
	}
	for _, u := range updates {
		switch {
		case u.Node != nil:
			visit(u.Node.ID)
		case u.Source != nil && u.Destination != nil:
			visit(u.Source.ID)
			visit(u.Destination.ID)
		}
	}

	corrected := updates
	for _, w := range order {
		c, ok := w.Kind.Corrector()
		if !ok {
			continue
		}
		next, err := c.CorrectTransforms(g, w, corrected, fromDifferentChangeSet)
		if err != nil {
			return nil, fmt.Errorf("correcting for %s %s: %w", w.Kind, w.ID, err)
		}
		if err := checkSubtractive(corrected, next); err != nil {
			return nil, fmt.Errorf("correcting for %s %s: %w", w.Kind, w.ID, err)
		}
		corrected = next
	}
	return corrected, nil
}

func checkSubtractive(before, after []Update) error {
	counts := make(map[string]int, len(before))
	for _, u := range before {
		key, err := json.Marshal(u)
		if err != nil {
			return err
		}
		counts[string(key)]++
	}
	for _, u := range after {
		key, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if counts[string(key)] == 0 {
			return fmt.Errorf("%s: %w", u, ErrCorrectionNotSubtractive)
		}
		counts[string(key)]--
	}
	return nil
}

func filterUpdates(updates []Update, drop func(Update) bool) []Update {
	out := make([]Update, 0, len(updates))
	for _, u := range updates {
		if !drop(u) {
			out = append(out, u)
		}
	}
	return out
}

// subscriptionArgumentCorrector drops a new subscribing argument whose
// subscription source was removed from the target and is not re-created by
// the batch. Leaving it would apply a half-built node with dangling
// subscriptions.
type subscriptionArgumentCorrector struct{}

func (subscriptionArgumentCorrector) CorrectTransforms(g *Graph, node NodeWeight, updates []Update, _ bool) ([]Update, error) {
	if g.HasNode(node.ID) {
		return updates, nil
	}

	introduced := mapset.NewThreadUnsafeSet[ident.ID]()
	var missing []ident.ID
	candidates := 0
	for _, u := range updates {
		switch u.Kind {
		case UpdateNewNode:
			introduced.Add(u.Node.ID)
			if u.Node.ID == node.ID {
				candidates++
			}
		case UpdateNewEdge:
			if u.Source.ID == node.ID && u.Edge.Kind == EdgeValueSubscription && !g.HasNode(u.Destination.ID) {
				missing = append(missing, u.Destination.ID)
			}
		}
	}

	dangling := false
	for _, id := range missing {
		if !introduced.Contains(id) {
			dangling = true
			break
		}
	}
	if !dangling {
		return updates, nil
	}

	if candidates > 1 {
		slog.Warn("more than one new node update for subscription argument",
			"argument_id", node.ID, "candidates", candidates)
	}
	return filterUpdates(updates, func(u Update) bool {
		return u.Kind == UpdateNewNode && u.Node.ID == node.ID
	}), nil
}

// viewCorrector keeps a view alive when the batch detaches it from its
// category but the target holds a component that only this view shows.
// Components the batch removes, or places into another view, do not count.
type viewCorrector struct{}

func (viewCorrector) CorrectTransforms(g *Graph, node NodeWeight, updates []Update, _ bool) ([]Update, error) {
	view, ok := g.NodeIndexByIDOpt(node.ID)
	if !ok {
		return updates, nil
	}

	isDetach := func(u Update) bool {
		return u.Kind == UpdateRemoveEdge && u.Destination.ID == node.ID &&
			u.Edge.Kind == EdgeUse && u.Source.Kind == KindCategory
	}
	detached := false
	removedComponents := mapset.NewThreadUnsafeSet[ident.ID]()
	geometryInOtherView := mapset.NewThreadUnsafeSet[ident.ID]()
	for _, u := range updates {
		switch {
		case isDetach(u):
			detached = true
		case u.Kind == UpdateRemoveEdge && u.Source.Kind == KindCategory && u.Destination.Kind == KindComponent:
			removedComponents.Add(u.Destination.ID)
		case u.Kind == UpdateNewEdge && u.Source.Kind == KindView && u.Source.ID != node.ID &&
			u.Edge.Kind == EdgeUse && u.Destination.Kind == KindGeometry:
			geometryInOtherView.Add(u.Destination.ID)
		}
	}
	if !detached {
		return updates, nil
	}

	placedElsewhere := mapset.NewThreadUnsafeSet[ident.ID]()
	for _, u := range updates {
		if u.Kind != UpdateNewEdge || u.Edge.Kind != EdgeRepresents || u.Source.Kind != KindGeometry {
			continue
		}
		if geometryInOtherView.Contains(u.Source.ID) {
			placedElsewhere.Add(u.Destination.ID)
		}
	}

	var orphans []ident.ID
	for _, geo := range g.ofKind(g.Targets(view, EdgeUse), KindGeometry) {
		comp, ok, err := g.Targets(geo, EdgeRepresents).SingleOpt()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		cw := g.mustWeight(comp)
		if cw.Kind != KindComponent || removedComponents.Contains(cw.ID) || placedElsewhere.Contains(cw.ID) {
			continue
		}
		if !g.representedElsewhere(comp, view) {
			orphans = append(orphans, cw.ID)
		}
	}
	if len(orphans) == 0 {
		return updates, nil
	}

	slog.Info("keeping view that would orphan components", "view_id", node.ID, "orphans", len(orphans))
	return filterUpdates(updates, isDetach), nil
}
