package graph

import (
	"fmt"

	"snapgraph/ident"
)

// UpdateKind tags an Update.
type UpdateKind string

const (
	UpdateNewNode     UpdateKind = "NewNode"
	UpdateReplaceNode UpdateKind = "ReplaceNode"
	UpdateNewEdge     UpdateKind = "NewEdge"
	UpdateRemoveEdge  UpdateKind = "RemoveEdge"
)

// NodeInformation identifies an edge endpoint without carrying its weight.
type NodeInformation struct {
	ID   ident.ID `json:"id"`
	Kind NodeKind `json:"kind"`
}

// Update is one step of a rebase batch. Node is set for NewNode and
// ReplaceNode; Source, Destination and Edge for the edge variants
// (RemoveEdge only uses Edge.Kind).
type Update struct {
	Kind        UpdateKind       `json:"kind"`
	Node        *NodeWeight      `json:"node,omitempty"`
	Source      *NodeInformation `json:"source,omitempty"`
	Destination *NodeInformation `json:"destination,omitempty"`
	Edge        *EdgeWeight      `json:"edge,omitempty"`
}

func NewNodeUpdate(w NodeWeight) Update {
	return Update{Kind: UpdateNewNode, Node: &w}
}

func ReplaceNodeUpdate(w NodeWeight) Update {
	return Update{Kind: UpdateReplaceNode, Node: &w}
}

func NewEdgeUpdate(source, destination NodeInformation, w EdgeWeight) Update {
	return Update{Kind: UpdateNewEdge, Source: &source, Destination: &destination, Edge: &w}
}

func RemoveEdgeUpdate(source, destination NodeInformation, kind EdgeKind) Update {
	return Update{Kind: UpdateRemoveEdge, Source: &source, Destination: &destination, Edge: &EdgeWeight{Kind: kind}}
}

// Validate checks that the fields required by the update's kind are set.
func (u Update) Validate() error {
	switch u.Kind {
	case UpdateNewNode, UpdateReplaceNode:
		if u.Node == nil {
			return fmt.Errorf("%s update without node", u.Kind)
		}
	case UpdateNewEdge, UpdateRemoveEdge:
		if u.Source == nil || u.Destination == nil || u.Edge == nil {
			return fmt.Errorf("%s update missing endpoint or edge", u.Kind)
		}
	default:
		return fmt.Errorf("unknown update kind %q", u.Kind)
	}
	return nil
}

func (u Update) String() string {
	switch u.Kind {
	case UpdateNewNode, UpdateReplaceNode:
		if u.Node != nil {
			return fmt.Sprintf("%s(%s %s)", u.Kind, u.Node.Kind, u.Node.ID)
		}
	case UpdateNewEdge, UpdateRemoveEdge:
		if u.Source != nil && u.Destination != nil && u.Edge != nil {
			return fmt.Sprintf("%s(%s -%s-> %s)", u.Kind, u.Source.ID, u.Edge.Kind, u.Destination.ID)
		}
	}
	return string(u.Kind)
}

// PerformUpdates applies a batch in order. Node updates are conditional on
// existence: NewNode only adds an absent id and ReplaceNode only replaces a
// present one. Edge updates apply only when both endpoints exist; the
// correction pass is responsible for dropping updates whose endpoints went
// away. The caller should run Cleanup and RecalculateMerkleTreeHashes
// afterwards.
func (g *Graph) PerformUpdates(updates []Update) error {
	for i, u := range updates {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
		if err := g.performUpdate(u); err != nil {
			return fmt.Errorf("update %d %s: %w", i, u, err)
		}
	}
	return nil
}

func (g *Graph) performUpdate(u Update) error {
	switch u.Kind {
	case UpdateNewNode:
		if !g.HasNode(u.Node.ID) {
			_, err := g.AddNode(*u.Node)
			return err
		}
	case UpdateReplaceNode:
		if g.HasNode(u.Node.ID) {
			_, err := g.AddOrReplaceNode(*u.Node)
			return err
		}
	case UpdateNewEdge:
		src, okSrc := g.NodeIndexByIDOpt(u.Source.ID)
		dst, okDst := g.NodeIndexByIDOpt(u.Destination.ID)
		if !okSrc || !okDst {
			return nil
		}
		if u.Edge.Kind == EdgeUse && u.Edge.IsDefault {
			if err := g.ensureOnlyOneDefaultUse(src, dst); err != nil {
				return err
			}
		}
		return g.AddEdge(src, *u.Edge, dst)
	case UpdateRemoveEdge:
		src, okSrc := g.NodeIndexByIDOpt(u.Source.ID)
		dst, okDst := g.NodeIndexByIDOpt(u.Destination.ID)
		if !okSrc || !okDst {
			return nil
		}
		return g.RemoveEdge(src, dst, u.Edge.Kind)
	}
	return nil
}

// ensureOnlyOneDefaultUse demotes every other default Use edge leaving
// source so that dst can become the default.
func (g *Graph) ensureOnlyOneDefaultUse(source, dst NodeIndex) error {
	for _, ref := range g.EdgesDirected(source, Outgoing, EdgeUse) {
		if !ref.Weight.IsDefault || ref.Target == dst {
			continue
		}
		demoted := ref.Weight
		demoted.IsDefault = false
		if err := g.AddEdge(source, demoted, ref.Target); err != nil {
			return err
		}
	}
	return nil
}
