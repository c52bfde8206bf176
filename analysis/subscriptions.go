// Package analysis derives dependency views of a snapshot: the component
// subscription graph and the approval requirements a set of changes
// triggers.
package analysis

import (
	"errors"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"snapgraph/depgraph"
	"snapgraph/graph"
	"snapgraph/ident"
)

// ErrSubscriptionCycle is returned when components subscribe to each other
// in a loop.
var ErrSubscriptionCycle = errors.New("subscription cycle")

// AllowList holds legacy workspaces that predate cycle enforcement.
type AllowList struct {
	ids mapset.Set[ident.ID]
}

// NewAllowList builds an allow-list from workspace ids.
func NewAllowList(ids ...ident.ID) AllowList {
	return AllowList{ids: mapset.NewSet(ids...)}
}

// Contains reports whether the workspace is allow-listed. The zero
// AllowList allows nothing.
func (a AllowList) Contains(workspaceID ident.ID) bool {
	return a.ids != nil && a.ids.Contains(workspaceID)
}

// Len returns the number of allow-listed workspaces.
func (a AllowList) Len() int {
	if a.ids == nil {
		return 0
	}
	return a.ids.Cardinality()
}

// SubscriptionGraph records, for every subscribing prototype argument,
// that the component owning the subscriber depends on the component owning
// the subscribed value. Arguments on prototypes that are not bound to an
// attribute value (schema defaults) are skipped, as are subscriptions
// within one component.
//
// Only live nodes count. Cleanup leaves unreachable cycles behind, such as
// a deleted component whose values subscribe to each other, and a
// subscription may still point into a deleted component.
func SubscriptionGraph(g *graph.Graph) (*depgraph.DependencyGraph[ident.ID], error) {
	deps := depgraph.New[ident.ID]()
	live := liveNodes(g)
	for _, idx := range g.NodeIndexes() {
		if !live.Contains(idx) {
			continue
		}
		w, err := g.NodeWeight(idx)
		if err != nil {
			return nil, err
		}
		if w.Kind != graph.KindAttributePrototypeArgument {
			continue
		}
		sources := g.Targets(idx, graph.EdgeValueSubscription)
		if len(sources) == 0 {
			continue
		}

		subscriber, ok, err := subscriberComponent(g, idx, live)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", w.ID, err)
		}
		if !ok {
			continue
		}
		for _, av := range sources {
			if !live.Contains(av) {
				continue
			}
			source, err := g.ComponentForAttributeValue(av)
			if err != nil {
				return nil, fmt.Errorf("argument %s subscription: %w", w.ID, err)
			}
			if source == subscriber {
				continue
			}
			sw, _ := g.NodeWeight(subscriber)
			srcw, _ := g.NodeWeight(source)
			deps.IDDependsOn(sw.ID, srcw.ID)
		}
	}
	return deps, nil
}

// liveNodes returns the nodes reachable from the root without following
// value subscriptions. A subscription reads a value; it does not keep the
// value's component alive.
func liveNodes(g *graph.Graph) mapset.Set[graph.NodeIndex] {
	live := mapset.NewThreadUnsafeSet(g.Root())
	work := []graph.NodeIndex{g.Root()}
	for len(work) > 0 {
		idx := work[len(work)-1]
		work = work[:len(work)-1]
		for _, ref := range g.EdgesDirected(idx, graph.Outgoing, graph.AnyEdge) {
			if ref.Weight.Kind == graph.EdgeValueSubscription {
				continue
			}
			if live.Add(ref.Target) {
				work = append(work, ref.Target)
			}
		}
	}
	return live
}

// subscriberComponent walks argument <- prototype <- attribute value and
// resolves the value's component.
func subscriberComponent(g *graph.Graph, arg graph.NodeIndex, live mapset.Set[graph.NodeIndex]) (graph.NodeIndex, bool, error) {
	proto, err := g.Sources(arg, graph.EdgePrototypeArgument).Single()
	if err != nil {
		return 0, false, fmt.Errorf("prototype for argument: %w", err)
	}
	var avs graph.Neighbors
	for _, idx := range g.Sources(proto, graph.EdgePrototype) {
		if !live.Contains(idx) {
			continue
		}
		if w, _ := g.NodeWeight(idx); w.Kind == graph.KindAttributeValue {
			avs = append(avs, idx)
		}
	}
	av, ok, err := avs.SingleOpt()
	if err != nil || !ok {
		return 0, false, err
	}
	comp, err := g.ComponentForAttributeValue(av)
	if err != nil {
		return 0, false, err
	}
	return comp, true, nil
}

// HasSubscriptionCycle reports whether the subscription graph is cyclic.
func HasSubscriptionCycle(g *graph.Graph) (bool, error) {
	deps, err := SubscriptionGraph(g)
	if err != nil {
		return false, err
	}
	return deps.IsCyclic(), nil
}

// ValidateSubscriptions fails with ErrSubscriptionCycle when the
// subscription graph has a cycle, unless the workspace is allow-listed.
func ValidateSubscriptions(g *graph.Graph, workspaceID ident.ID, allow AllowList) error {
	if allow.Contains(workspaceID) {
		return nil
	}
	deps, err := SubscriptionGraph(g)
	if err != nil {
		return err
	}
	cycle, found := deps.FindCycle()
	if !found {
		return nil
	}
	ids := make([]string, len(cycle))
	for i, id := range cycle {
		ids[i] = id.String()
	}
	return fmt.Errorf("%w: %s", ErrSubscriptionCycle, strings.Join(ids, " -> "))
}
