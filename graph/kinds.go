package graph

// NodeKind tags the variant a NodeWeight holds.
type NodeKind string

const (
	KindRoot                          NodeKind = "Root"
	KindCategory                      NodeKind = "Category"
	KindComponent                     NodeKind = "Component"
	KindSchemaVariant                 NodeKind = "SchemaVariant"
	KindProp                          NodeKind = "Prop"
	KindAttributeValue                NodeKind = "AttributeValue"
	KindAttributePrototype            NodeKind = "AttributePrototype"
	KindAttributePrototypeArgument    NodeKind = "AttributePrototypeArgument"
	KindFunc                          NodeKind = "Func"
	KindView                          NodeKind = "View"
	KindGeometry                      NodeKind = "Geometry"
	KindDiagramObject                 NodeKind = "DiagramObject"
	KindApprovalRequirementDefinition NodeKind = "ApprovalRequirementDefinition"
	KindAction                        NodeKind = "Action"
	KindContent                       NodeKind = "Content"
)

// EdgeKind is the closed set of relations between nodes.
type EdgeKind string

const (
	// AnyEdge matches every kind in lookups. It is never stored.
	AnyEdge EdgeKind = ""

	EdgeUse                    EdgeKind = "Use"
	EdgeContain                EdgeKind = "Contain"
	EdgePrototype              EdgeKind = "Prototype"
	EdgePrototypeArgument      EdgeKind = "PrototypeArgument"
	EdgePrototypeArgumentValue EdgeKind = "PrototypeArgumentValue"
	EdgeValueSubscription      EdgeKind = "ValueSubscription"
	EdgeRepresents             EdgeKind = "Represents"
	EdgeDiagramObject          EdgeKind = "DiagramObject"
	EdgeHasApprovalRequirement EdgeKind = "HasApprovalRequirement"
	EdgeInterComponent         EdgeKind = "InterComponent"
	EdgeRoot                   EdgeKind = "Root"
	EdgeSocketValue            EdgeKind = "SocketValue"
	EdgeProp                   EdgeKind = "Prop"
	EdgeAction                 EdgeKind = "Action"
)

// CategoryKind names the class of entities a category node anchors.
type CategoryKind string

const (
	CategoryComponent     CategoryKind = "Component"
	CategoryView          CategoryKind = "View"
	CategoryFunc          CategoryKind = "Func"
	CategorySchema        CategoryKind = "Schema"
	CategoryAction        CategoryKind = "Action"
	CategoryDiagramObject CategoryKind = "DiagramObject"
)

// PropKind is the value shape of a Prop.
type PropKind string

const (
	PropString  PropKind = "string"
	PropInteger PropKind = "integer"
	PropBoolean PropKind = "boolean"
	PropObject  PropKind = "object"
	PropMap     PropKind = "map"
	PropArray   PropKind = "array"
)

// kindRule is the per-kind behavior table: which outgoing edges a node may
// have and whether it normalizes incoming rebase batches.
type kindRule struct {
	outgoing  []EdgeKind
	corrector TransformCorrector
}

var kindRules = map[NodeKind]kindRule{
	KindRoot:     {outgoing: []EdgeKind{EdgeUse}},
	KindCategory: {outgoing: []EdgeKind{EdgeUse}},
	KindComponent: {outgoing: []EdgeKind{
		EdgeUse, EdgeRoot, EdgeSocketValue, EdgeInterComponent, EdgeHasApprovalRequirement,
	}},
	KindSchemaVariant: {outgoing: []EdgeKind{EdgeUse, EdgeHasApprovalRequirement}},
	KindProp:          {outgoing: []EdgeKind{EdgeUse, EdgePrototype}},
	KindAttributeValue: {outgoing: []EdgeKind{
		EdgeContain, EdgeProp, EdgePrototype,
	}},
	KindAttributePrototype: {outgoing: []EdgeKind{EdgeUse, EdgePrototypeArgument}},
	KindAttributePrototypeArgument: {
		outgoing:  []EdgeKind{EdgePrototypeArgumentValue, EdgeValueSubscription},
		corrector: subscriptionArgumentCorrector{},
	},
	KindFunc: {outgoing: []EdgeKind{EdgeHasApprovalRequirement}},
	KindView: {
		outgoing:  []EdgeKind{EdgeUse, EdgeDiagramObject, EdgeHasApprovalRequirement},
		corrector: viewCorrector{},
	},
	KindGeometry:                      {outgoing: []EdgeKind{EdgeRepresents}},
	KindDiagramObject:                 {},
	KindApprovalRequirementDefinition: {},
	KindAction:                        {outgoing: []EdgeKind{EdgeUse, EdgeAction}},
	KindContent:                       {outgoing: []EdgeKind{EdgeUse, EdgeContain}},
}

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	_, ok := kindRules[k]
	return ok
}

// AllowsOutgoing reports whether a node of kind k may be the source of an
// edge of kind e.
func (k NodeKind) AllowsOutgoing(e EdgeKind) bool {
	for _, allowed := range kindRules[k].outgoing {
		if allowed == e {
			return true
		}
	}
	return false
}

// Corrector returns the batch corrector registered for k, if any.
func (k NodeKind) Corrector() (TransformCorrector, bool) {
	c := kindRules[k].corrector
	return c, c != nil
}
