package graph

import (
	"strconv"

	"snapgraph/cas"
	"snapgraph/ident"
)

// PermissionLookup grants approval to anyone holding Permission on the
// named object.
type PermissionLookup struct {
	ObjectType string `json:"objectType"`
	ObjectID   string `json:"objectId"`
	Permission string `json:"permission"`
}

// Approver is either a specific user or a permission lookup.
type Approver struct {
	UserID     string            `json:"userId,omitempty"`
	Permission *PermissionLookup `json:"permission,omitempty"`
}

func (a Approver) key() string {
	if a.Permission != nil {
		return "perm:" + a.Permission.ObjectType + "/" + a.Permission.ObjectID + "/" + a.Permission.Permission
	}
	return "user:" + a.UserID
}

// NodeWeight is a graph vertex. Payloads are opaque and referenced by
// ContentHash; the kind-specific fields below carry what the graph itself
// needs to reason about a node.
type NodeWeight struct {
	ID             ident.ID `json:"id"`
	LineageID      ident.ID `json:"lineageId"`
	Kind           NodeKind `json:"kind"`
	ContentHash    cas.Hash `json:"contentHash"`
	MerkleTreeHash cas.Hash `json:"merkleTreeHash"`

	Category CategoryKind `json:"category,omitempty"`
	Name     string       `json:"name,omitempty"`
	PropKind PropKind     `json:"propKind,omitempty"`

	// ApprovalRequirementDefinition
	EntityKind NodeKind   `json:"entityKind,omitempty"`
	Minimum    int        `json:"minimum,omitempty"`
	Approvers  []Approver `json:"approvers,omitempty"`
}

// NewNodeWeight creates a node with a fresh id that starts its own lineage.
func NewNodeWeight(kind NodeKind, content cas.Hash) NodeWeight {
	id := ident.New()
	return NodeWeight{ID: id, LineageID: id, Kind: kind, ContentHash: content}
}

// NewCategory creates a category node.
func NewCategory(kind CategoryKind) NodeWeight {
	w := NewNodeWeight(KindCategory, cas.ContentHash([]byte("category:"+kind)))
	w.Category = kind
	return w
}

// NodeHash hashes the node's own content, excluding identity and children.
// Two nodes with equal NodeHash carry the same data.
func (w NodeWeight) NodeHash() cas.Hash {
	fields := [][]byte{
		[]byte(w.Kind),
		w.ContentHash[:],
		[]byte(w.Category),
		[]byte(w.Name),
		[]byte(w.PropKind),
		[]byte(w.EntityKind),
		[]byte(strconv.Itoa(w.Minimum)),
	}
	for _, a := range w.Approvers {
		fields = append(fields, []byte(a.key()))
	}
	return cas.HashFields(fields...)
}

// NewContent returns a copy of w that points at new content. The lineage is
// kept.
func (w NodeWeight) NewContent(content cas.Hash) NodeWeight {
	w.ContentHash = content
	w.Approvers = append([]Approver(nil), w.Approvers...)
	return w
}

// Fork returns a copy-on-write copy of w under a new id in the same lineage.
func (w NodeWeight) Fork() NodeWeight {
	w.ID = ident.New()
	w.Approvers = append([]Approver(nil), w.Approvers...)
	return w
}

// Info is the compact node reference used by edge updates.
func (w NodeWeight) Info() NodeInformation {
	return NodeInformation{ID: w.ID, Kind: w.Kind}
}

// EdgeWeight is a typed relation. Only the fields meaningful for Kind are
// set.
type EdgeWeight struct {
	Kind EdgeKind `json:"kind"`

	// Use
	IsDefault bool `json:"isDefault,omitempty"`
	// Contain, Prototype
	Key string `json:"key,omitempty"`
	// ValueSubscription
	Path string `json:"path,omitempty"`
	// InterComponent
	SourceComponentID      ident.ID `json:"sourceComponentId"`
	DestinationComponentID ident.ID `json:"destinationComponentId"`
}

// NewEdgeWeight returns an edge of the given kind with no payload.
func NewEdgeWeight(kind EdgeKind) EdgeWeight {
	return EdgeWeight{Kind: kind}
}

// NewDefaultUse returns a Use edge flagged as the default.
func NewDefaultUse() EdgeWeight {
	return EdgeWeight{Kind: EdgeUse, IsDefault: true}
}

// NewInterComponent returns a cross-component link.
func NewInterComponent(source, destination ident.ID) EdgeWeight {
	return EdgeWeight{Kind: EdgeInterComponent, SourceComponentID: source, DestinationComponentID: destination}
}

// payload encodes the edge fields beyond Kind for hashing and edge
// identity.
func (e EdgeWeight) payload() []byte {
	h := cas.HashFields(
		[]byte(strconv.FormatBool(e.IsDefault)),
		[]byte(e.Key),
		[]byte(e.Path),
		e.SourceComponentID[:],
		e.DestinationComponentID[:],
	)
	return h[:]
}
