package analysis

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"snapgraph/cas"
	"snapgraph/diff"
	"snapgraph/graph"
	"snapgraph/ident"
)

// Permission granted to approvers of virtual rules.
const (
	approveObjectType = "workspace"
	approvePermission = "approve"
)

// Rule is an approval requirement that is not backed by a definition node.
type Rule struct {
	EntityID   ident.ID         `json:"entityId"`
	EntityKind graph.NodeKind   `json:"entityKind"`
	Minimum    int              `json:"minimum"`
	Approvers  []graph.Approver `json:"approvers"`
}

// RequirementsBag collects what approving one change requires.
type RequirementsBag struct {
	EntityID                       ident.ID       `json:"entityId"`
	EntityKind                     graph.NodeKind `json:"entityKind"`
	ExplicitRequirementDefinitions []ident.ID     `json:"explicitRequirementDefinitions"`
	VirtualRules                   []Rule         `json:"virtualRules"`
}

func workspaceRule(workspaceID ident.ID, change diff.Change) Rule {
	return Rule{
		EntityID:   change.EntityID,
		EntityKind: change.EntityKind,
		Minimum:    1,
		Approvers: []graph.Approver{{Permission: &graph.PermissionLookup{
			ObjectType: approveObjectType,
			ObjectID:   workspaceID.String(),
			Permission: approvePermission,
		}}},
	}
}

// needsVirtualRule is the hard-coded policy for entities without explicit
// requirements.
func needsVirtualRule(kind graph.NodeKind) bool {
	switch kind {
	case graph.KindSchemaVariant, graph.KindApprovalRequirementDefinition:
		return true
	}
	return false
}

// ApprovalRequirements computes one bag per change against the post-change
// graph g. A change whose entity is gone from g is a deletion; its last
// merkle tree hash is returned in the deleted map so callers need not
// resolve the node.
//
// Actions carry no requirements of their own: a change to an action whose
// component is known stands in for changes to every view showing that
// component.
func ApprovalRequirements(g *graph.Graph, workspaceID ident.ID, changes []diff.Change) ([]RequirementsBag, map[ident.ID]cas.Hash, error) {
	local := remapActions(g, changes)

	deleted := make(map[ident.ID]cas.Hash)
	bags := make([]RequirementsBag, 0, len(local))
	for _, change := range local {
		bag := RequirementsBag{EntityID: change.EntityID, EntityKind: change.EntityKind}

		if idx, ok := g.NodeIndexByIDOpt(change.EntityID); ok {
			bag.ExplicitRequirementDefinitions = g.ApprovalRequirementDefinitions(idx)
			if len(bag.ExplicitRequirementDefinitions) == 0 && needsVirtualRule(change.EntityKind) {
				bag.VirtualRules = append(bag.VirtualRules, workspaceRule(workspaceID, change))
			}
		} else {
			deleted[change.EntityID] = change.MerkleTreeHash
			if change.EntityKind == graph.KindApprovalRequirementDefinition {
				bag.VirtualRules = append(bag.VirtualRules, workspaceRule(workspaceID, change))
			}
		}
		bags = append(bags, bag)
	}
	return bags, deleted, nil
}

func remapActions(g *graph.Graph, changes []diff.Change) []diff.Change {
	modifiedViews := mapset.NewThreadUnsafeSet[ident.ID]()
	for _, c := range changes {
		if c.EntityKind == graph.KindView {
			modifiedViews.Add(c.EntityID)
		}
	}

	var local []diff.Change
	added := mapset.NewThreadUnsafeSet[ident.ID]()
	var extra []diff.Change
	for _, c := range changes {
		if c.EntityKind != graph.KindAction {
			local = append(local, c)
			continue
		}
		action, ok := g.NodeIndexByIDOpt(c.EntityID)
		if !ok {
			// Deleted actions fall back to the default handling.
			local = append(local, c)
			continue
		}
		comp, found := actionComponent(g, action)
		if !found {
			local = append(local, c)
			continue
		}
		for _, view := range g.ViewsForComponent(comp) {
			vw, err := g.NodeWeight(view)
			if err != nil || modifiedViews.Contains(vw.ID) || !added.Add(vw.ID) {
				continue
			}
			extra = append(extra, diff.Change{EntityID: vw.ID, EntityKind: graph.KindView, MerkleTreeHash: vw.MerkleTreeHash})
		}
	}
	sort.SliceStable(extra, func(i, j int) bool { return extra[i].EntityID.Less(extra[j].EntityID) })
	return append(local, extra...)
}

func actionComponent(g *graph.Graph, action graph.NodeIndex) (graph.NodeIndex, bool) {
	for _, target := range g.Targets(action, graph.AnyEdge) {
		if w, err := g.NodeWeight(target); err == nil && w.Kind == graph.KindComponent {
			return target, true
		}
	}
	return 0, false
}
