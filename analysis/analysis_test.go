package analysis

import (
	"errors"
	"testing"

	"snapgraph/cas"
	"snapgraph/diff"
	"snapgraph/graph"
	"snapgraph/ident"
)

type builder struct {
	t *testing.T
	g *graph.Graph
}

func newBuilder(t *testing.T) *builder {
	t.Helper()
	return &builder{t: t, g: graph.New()}
}

func (b *builder) node(kind graph.NodeKind, content string) graph.NodeIndex {
	b.t.Helper()
	idx, err := b.g.AddNode(graph.NewNodeWeight(kind, cas.ContentHash([]byte(content))))
	if err != nil {
		b.t.Fatalf("AddNode failed: %v", err)
	}
	return idx
}

func (b *builder) edge(src graph.NodeIndex, kind graph.EdgeKind, dst graph.NodeIndex) {
	b.t.Helper()
	if err := b.g.AddEdge(src, graph.NewEdgeWeight(kind), dst); err != nil {
		b.t.Fatalf("AddEdge %s failed: %v", kind, err)
	}
}

func (b *builder) category(kind graph.CategoryKind) graph.NodeIndex {
	b.t.Helper()
	idx, err := b.g.EnsureCategory(kind)
	if err != nil {
		b.t.Fatalf("EnsureCategory failed: %v", err)
	}
	return idx
}

func (b *builder) weight(idx graph.NodeIndex) graph.NodeWeight {
	b.t.Helper()
	w, err := b.g.NodeWeight(idx)
	if err != nil {
		b.t.Fatalf("NodeWeight failed: %v", err)
	}
	return w
}

// component adds a component with a root attribute value and returns both.
func (b *builder) component(name string) (graph.NodeIndex, graph.NodeIndex) {
	b.t.Helper()
	comp := b.node(graph.KindComponent, name)
	b.edge(b.category(graph.CategoryComponent), graph.EdgeUse, comp)
	av := b.node(graph.KindAttributeValue, name+"/root")
	b.edge(comp, graph.EdgeRoot, av)
	return comp, av
}

// subscribe makes the value tree of subscriber read from source.
func (b *builder) subscribe(subscriberAV, sourceAV graph.NodeIndex) graph.NodeIndex {
	b.t.Helper()
	proto := b.node(graph.KindAttributePrototype, "proto")
	b.edge(subscriberAV, graph.EdgePrototype, proto)
	arg := b.node(graph.KindAttributePrototypeArgument, "arg")
	b.edge(proto, graph.EdgePrototypeArgument, arg)
	b.edge(arg, graph.EdgeValueSubscription, sourceAV)
	return arg
}

func TestSubscriptionGraphAcyclic(t *testing.T) {
	b := newBuilder(t)
	a, aAV := b.component("a")
	c, cAV := b.component("c")
	b.subscribe(aAV, cAV)

	deps, err := SubscriptionGraph(b.g)
	if err != nil {
		t.Fatalf("SubscriptionGraph failed: %v", err)
	}
	got := deps.Dependencies(b.weight(a).ID)
	if len(got) != 1 || got[0] != b.weight(c).ID {
		t.Errorf("expected a to depend on c, got %v", got)
	}
	cyclic, err := HasSubscriptionCycle(b.g)
	if err != nil || cyclic {
		t.Errorf("expected no cycle, got %v (err %v)", cyclic, err)
	}
}

func TestSubscriptionCycle(t *testing.T) {
	b := newBuilder(t)
	_, aAV := b.component("a")
	_, cAV := b.component("c")
	b.subscribe(aAV, cAV)
	b.subscribe(cAV, aAV)

	cyclic, err := HasSubscriptionCycle(b.g)
	if err != nil {
		t.Fatalf("HasSubscriptionCycle failed: %v", err)
	}
	if !cyclic {
		t.Fatal("expected mutual subscriptions to form a cycle")
	}

	workspace := ident.New()
	if err := ValidateSubscriptions(b.g, workspace, AllowList{}); !errors.Is(err, ErrSubscriptionCycle) {
		t.Errorf("expected ErrSubscriptionCycle, got %v", err)
	}
	if err := ValidateSubscriptions(b.g, workspace, NewAllowList(workspace)); err != nil {
		t.Errorf("allow-listed workspace should pass, got %v", err)
	}
	if err := ValidateSubscriptions(b.g, workspace, NewAllowList(ident.New())); err == nil {
		t.Error("other allow-listed workspaces must not exempt this one")
	}
}

func TestSubscriptionWithinComponentIgnored(t *testing.T) {
	b := newBuilder(t)
	_, av := b.component("a")
	child := b.node(graph.KindAttributeValue, "a/child")
	b.edge(av, graph.EdgeContain, child)
	b.subscribe(child, av)

	cyclic, err := HasSubscriptionCycle(b.g)
	if err != nil || cyclic {
		t.Errorf("self subscription should not count as a cycle, got %v (err %v)", cyclic, err)
	}
}

func TestSubscriptionGraphIgnoresDeletedComponent(t *testing.T) {
	b := newBuilder(t)
	comp, av := b.component("a")
	child := b.node(graph.KindAttributeValue, "a/child")
	b.edge(av, graph.EdgeContain, child)
	b.subscribe(child, av)
	if err := ValidateSubscriptions(b.g, ident.New(), AllowList{}); err != nil {
		t.Fatalf("live component should validate, got %v", err)
	}

	cat, _ := b.g.Category(graph.CategoryComponent)
	if err := b.g.RemoveEdge(cat, comp, graph.EdgeUse); err != nil {
		t.Fatalf("RemoveEdge failed: %v", err)
	}
	b.g.Cleanup()
	if !b.g.HasNode(b.weight(av).ID) {
		t.Fatal("the value tree should survive cleanup through its own subscription")
	}

	if err := ValidateSubscriptions(b.g, ident.New(), AllowList{}); err != nil {
		t.Errorf("garbage left by a deleted component must not fail validation, got %v", err)
	}
}

func TestSubscriptionToDeletedComponentSkipped(t *testing.T) {
	b := newBuilder(t)
	_, aAV := b.component("a")
	c, cAV := b.component("c")
	b.subscribe(aAV, cAV)

	cat, _ := b.g.Category(graph.CategoryComponent)
	if err := b.g.RemoveEdge(cat, c, graph.EdgeUse); err != nil {
		t.Fatalf("RemoveEdge failed: %v", err)
	}
	b.g.Cleanup()

	deps, err := SubscriptionGraph(b.g)
	if err != nil {
		t.Fatalf("SubscriptionGraph failed: %v", err)
	}
	if deps.Len() != 0 {
		t.Errorf("a subscription into a deleted component adds no dependency, got %d ids", deps.Len())
	}
}

func TestSubscriptionOnUnboundPrototypeSkipped(t *testing.T) {
	b := newBuilder(t)
	_, av := b.component("a")
	prop := b.node(graph.KindProp, "prop")
	proto := b.node(graph.KindAttributePrototype, "default")
	b.edge(prop, graph.EdgePrototype, proto)
	arg := b.node(graph.KindAttributePrototypeArgument, "arg")
	b.edge(proto, graph.EdgePrototypeArgument, arg)
	b.edge(arg, graph.EdgeValueSubscription, av)

	deps, err := SubscriptionGraph(b.g)
	if err != nil {
		t.Fatalf("SubscriptionGraph failed: %v", err)
	}
	if deps.Len() != 0 {
		t.Errorf("expected no dependencies, got %d ids", deps.Len())
	}
}

func change(w graph.NodeWeight) diff.Change {
	return diff.Change{EntityID: w.ID, EntityKind: w.Kind, MerkleTreeHash: w.MerkleTreeHash}
}

func TestApprovalExplicitAndVirtual(t *testing.T) {
	b := newBuilder(t)
	schemaCat := b.category(graph.CategorySchema)
	sv := b.node(graph.KindSchemaVariant, "sv")
	b.edge(schemaCat, graph.EdgeUse, sv)
	guarded := b.node(graph.KindSchemaVariant, "guarded")
	b.edge(schemaCat, graph.EdgeUse, guarded)
	def := b.node(graph.KindApprovalRequirementDefinition, "def")
	b.edge(guarded, graph.EdgeHasApprovalRequirement, def)
	fnCat := b.category(graph.CategoryFunc)
	fn := b.node(graph.KindFunc, "fn")
	b.edge(fnCat, graph.EdgeUse, fn)
	b.g.RecalculateMerkleTreeHashes()

	workspace := ident.New()
	bags, deleted, err := ApprovalRequirements(b.g, workspace, []diff.Change{
		change(b.weight(sv)), change(b.weight(guarded)), change(b.weight(fn)),
	})
	if err != nil {
		t.Fatalf("ApprovalRequirements failed: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("expected no deletions, got %v", deleted)
	}
	if len(bags) != 3 {
		t.Fatalf("expected three bags, got %d", len(bags))
	}

	if len(bags[0].VirtualRules) != 1 || len(bags[0].ExplicitRequirementDefinitions) != 0 {
		t.Errorf("bare schema variant should get one virtual rule, got %+v", bags[0])
	}
	rule := bags[0].VirtualRules[0]
	if rule.Minimum != 1 || rule.Approvers[0].Permission.ObjectID != workspace.String() {
		t.Errorf("unexpected virtual rule %+v", rule)
	}

	if len(bags[1].VirtualRules) != 0 || len(bags[1].ExplicitRequirementDefinitions) != 1 ||
		bags[1].ExplicitRequirementDefinitions[0] != b.weight(def).ID {
		t.Errorf("guarded schema variant should carry its definition, got %+v", bags[1])
	}

	if len(bags[2].VirtualRules) != 0 || len(bags[2].ExplicitRequirementDefinitions) != 0 {
		t.Errorf("func has no requirements, got %+v", bags[2])
	}
}

func TestApprovalDeletedDefinition(t *testing.T) {
	b := newBuilder(t)
	gone := graph.NewNodeWeight(graph.KindApprovalRequirementDefinition, cas.ContentHash([]byte("gone")))
	gone.MerkleTreeHash = cas.ContentHash([]byte("old merkle"))

	bags, deleted, err := ApprovalRequirements(b.g, ident.New(), []diff.Change{change(gone)})
	if err != nil {
		t.Fatalf("ApprovalRequirements failed: %v", err)
	}
	if deleted[gone.ID] != gone.MerkleTreeHash {
		t.Errorf("deleted map should carry the old hash, got %v", deleted)
	}
	if len(bags) != 1 || len(bags[0].VirtualRules) != 1 {
		t.Errorf("deleting a definition requires workspace approval, got %+v", bags)
	}
}

func TestApprovalActionMapsToViews(t *testing.T) {
	b := newBuilder(t)
	comp, _ := b.component("a")
	viewCat := b.category(graph.CategoryView)
	view := b.node(graph.KindView, "view")
	b.edge(viewCat, graph.EdgeUse, view)
	geo := b.node(graph.KindGeometry, "geo")
	b.edge(view, graph.EdgeUse, geo)
	b.edge(geo, graph.EdgeRepresents, comp)
	def := b.node(graph.KindApprovalRequirementDefinition, "def")
	b.edge(view, graph.EdgeHasApprovalRequirement, def)

	actionCat := b.category(graph.CategoryAction)
	action := b.node(graph.KindAction, "create")
	b.edge(actionCat, graph.EdgeUse, action)
	b.edge(action, graph.EdgeUse, comp)
	orphan := b.node(graph.KindAction, "orphan")
	b.edge(actionCat, graph.EdgeUse, orphan)
	b.g.RecalculateMerkleTreeHashes()

	bags, _, err := ApprovalRequirements(b.g, ident.New(), []diff.Change{change(b.weight(action)), change(b.weight(orphan))})
	if err != nil {
		t.Fatalf("ApprovalRequirements failed: %v", err)
	}
	if len(bags) != 2 {
		t.Fatalf("expected the orphan action and the view, got %+v", bags)
	}
	if bags[0].EntityID != b.weight(orphan).ID {
		t.Errorf("action without component should keep its own bag, got %+v", bags[0])
	}
	if bags[1].EntityID != b.weight(view).ID || bags[1].EntityKind != graph.KindView {
		t.Errorf("expected the action to map to its view, got %+v", bags[1])
	}
	if len(bags[1].ExplicitRequirementDefinitions) != 1 {
		t.Errorf("view requirements should apply, got %+v", bags[1])
	}

	// A view that already changed is not duplicated.
	bags, _, err = ApprovalRequirements(b.g, ident.New(), []diff.Change{change(b.weight(view)), change(b.weight(action))})
	if err != nil {
		t.Fatalf("ApprovalRequirements failed: %v", err)
	}
	if len(bags) != 1 || bags[0].EntityID != b.weight(view).ID {
		t.Errorf("expected only the view bag, got %+v", bags)
	}
}
