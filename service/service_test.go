package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapgraph/cas"
	"snapgraph/graph"
	"snapgraph/ident"
	"snapgraph/proto"
	"snapgraph/rebase"
	"snapgraph/store"
	"snapgraph/vclock"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	db    *store.DB
	queue *store.Queue
	svc   *Service
	ws    store.Workspace
	head  store.ChangeSet
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	db, err := store.OpenDataDir(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g := graph.New()
	_, err = g.EnsureCategory(graph.CategoryComponent)
	require.NoError(t, err)
	g.RecalculateMerkleTreeHashes()
	data, err := g.Encode()
	require.NoError(t, err)
	addr, err := db.Put(ctx, data)
	require.NoError(t, err)
	ws, head, err := db.CreateWorkspace(ctx, "test", addr, "tester")
	require.NoError(t, err)

	queue := store.NewQueue(db, 5*time.Millisecond)
	if opts.ReceiveWait == 0 {
		opts.ReceiveWait = 20 * time.Millisecond
	}
	engine := rebase.NewEngine(db, db, rebase.Options{})
	svc := New(engine, queue, db, opts)

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})

	return &fixture{t: t, ctx: ctx, db: db, queue: queue, svc: svc, ws: ws, head: head}
}

func (f *fixture) snapshot(id ident.ID) *graph.Graph {
	f.t.Helper()
	cs, err := f.db.ChangeSet(f.ctx, id)
	require.NoError(f.t, err)
	data, err := f.db.Get(f.ctx, cs.SnapshotAddress)
	require.NoError(f.t, err)
	g, err := graph.Decode(data)
	require.NoError(f.t, err)
	return g
}

// componentBatch stores a batch that adds one component to the change
// set's current snapshot and returns the new component's id.
func (f *fixture) componentBatch(cs store.ChangeSet, name string) (cas.Hash, ident.ID) {
	f.t.Helper()
	base := f.snapshot(cs.ID)
	updated := base.Clone()

	cat, err := updated.EnsureCategory(graph.CategoryComponent)
	require.NoError(f.t, err)
	comp, err := updated.AddNode(graph.NewNodeWeight(graph.KindComponent, cas.ContentHash([]byte(name))))
	require.NoError(f.t, err)
	require.NoError(f.t, updated.AddEdge(cat, graph.NewEdgeWeight(graph.EdgeUse), comp))
	updated.RecalculateMerkleTreeHashes()
	w, _ := updated.NodeWeight(comp)

	batch := rebase.BatchFromGraphs(base, updated, vclock.ClockID{Actor: ident.New(), ChangeSet: cs.ID})
	data, err := batch.Encode()
	require.NoError(f.t, err)
	addr, err := f.db.Put(f.ctx, data)
	require.NoError(f.t, err)
	return addr, w.ID
}

func (f *fixture) request(req proto.RebaseRequest) proto.RebaseReply {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	reply, err := Request(ctx, f.queue, req)
	require.NoError(f.t, err)
	return reply
}

func TestServiceAppliesAndReplies(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 2})
	feature, err := f.db.CreateChangeSet(f.ctx, f.ws.ID, "feature", "tester")
	require.NoError(t, err)
	batch, added := f.componentBatch(feature, "web")

	from := feature.ID
	reply := f.request(proto.RebaseRequest{
		ToRebaseChangeSetID: f.head.ID,
		RebaseBatchAddress:  batch,
		FromChangeSetID:     &from,
	})
	require.True(t, reply.OK(), reply.Message)
	assert.Equal(t, batch, reply.UpdatesPerformed)
	assert.True(t, f.snapshot(f.head.ID).HasNode(added))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.rebases.WithLabelValues(rebase.StateReplied.String())))
}

func TestServiceRepliesWithError(t *testing.T) {
	f := newFixture(t, Options{})
	reply := f.request(proto.RebaseRequest{
		ToRebaseChangeSetID: f.head.ID,
		RebaseBatchAddress:  cas.ContentHash([]byte("missing")),
	})
	assert.False(t, reply.OK())
	assert.NotEmpty(t, reply.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.rebases.WithLabelValues(rebase.StateLoadFailed.String())))
}

func TestServiceSerializesPerTarget(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 4})

	var ids []string
	var added []ident.ID
	for _, name := range []string{"a", "b", "c"} {
		batch, id := f.componentBatch(f.head, name)
		qid, err := f.queue.Enqueue(f.ctx, proto.RebaseRequest{ToRebaseChangeSetID: f.head.ID, RebaseBatchAddress: batch})
		require.NoError(t, err)
		ids = append(ids, qid)
		added = append(added, id)
	}

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
		reply, err := f.queue.AwaitReply(ctx, id)
		cancel()
		require.NoError(t, err)
		require.True(t, reply.OK(), reply.Message)
	}

	// Every batch was built against the same base; a lost update would show
	// up as a missing component.
	head := f.snapshot(f.head.ID)
	for _, id := range added {
		assert.True(t, head.HasNode(id), "component %s missing", id)
	}
	history, err := f.db.PointerHistory(f.ctx, f.head.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(history), 3)
}

func TestServiceReplaysHeadUpdates(t *testing.T) {
	f := newFixture(t, Options{Replay: true})
	feature, err := f.db.CreateChangeSet(f.ctx, f.ws.ID, "feature", "tester")
	require.NoError(t, err)
	other, err := f.db.CreateChangeSet(f.ctx, f.ws.ID, "other", "tester")
	require.NoError(t, err)
	abandoned, err := f.db.CreateChangeSet(f.ctx, f.ws.ID, "gone", "tester")
	require.NoError(t, err)
	require.NoError(t, f.db.SetStatus(f.ctx, abandoned.ID, store.StatusAbandoned))

	batch, added := f.componentBatch(feature, "web")
	from := feature.ID
	reply := f.request(proto.RebaseRequest{ToRebaseChangeSetID: f.head.ID, RebaseBatchAddress: batch, FromChangeSetID: &from})
	require.True(t, reply.OK(), reply.Message)

	require.Eventually(t, func() bool {
		return f.snapshot(other.ID).HasNode(added) && f.snapshot(feature.ID).HasNode(added)
	}, 5*time.Second, 10*time.Millisecond, "HEAD update should reach open change sets")

	assert.False(t, f.snapshot(abandoned.ID).HasNode(added))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.svc.metrics.replays))
}

type failingQueue struct {
	Queue
}

func (q *failingQueue) Receive(ctx context.Context, wait time.Duration) (*proto.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
		return nil, errors.New("connection refused")
	}
}

func TestServiceSurvivesReceiveErrors(t *testing.T) {
	db, err := store.OpenDataDir(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	reg := prometheus.NewRegistry()
	svc := New(rebase.NewEngine(db, db, rebase.Options{}), &failingQueue{}, db, Options{
		ReceiveWait: 5 * time.Millisecond,
		Registry:    reg,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Run(ctx))
	assert.Greater(t, testutil.ToFloat64(svc.metrics.receiveErrors), 1.0)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

// gatedObjects holds every read until open is closed.
type gatedObjects struct {
	*store.DB
	open chan struct{}
}

func (o *gatedObjects) Get(ctx context.Context, addr cas.Hash) ([]byte, error) {
	select {
	case <-o.open:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return o.DB.Get(ctx, addr)
}

// countingQueue tracks deliveries claimed and not yet acked or nacked.
type countingQueue struct {
	Queue
	mu      sync.Mutex
	claimed int
	most    int
}

func (q *countingQueue) Receive(ctx context.Context, wait time.Duration) (*proto.Delivery, error) {
	d, err := q.Queue.Receive(ctx, wait)
	if d != nil {
		q.mu.Lock()
		q.claimed++
		q.most = max(q.most, q.claimed)
		q.mu.Unlock()
	}
	return d, err
}

func (q *countingQueue) Ack(ctx context.Context, deliveryID string, reply proto.RebaseReply) error {
	q.release()
	return q.Queue.Ack(ctx, deliveryID, reply)
}

func (q *countingQueue) Nack(ctx context.Context, deliveryID string, cause error) error {
	q.release()
	return q.Queue.Nack(ctx, deliveryID, cause)
}

func (q *countingQueue) release() {
	q.mu.Lock()
	q.claimed--
	q.mu.Unlock()
}

func (q *countingQueue) peak() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.most
}

func TestServiceBoundsClaimedDeliveries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db, err := store.OpenDataDir(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	g := graph.New()
	_, err = g.EnsureCategory(graph.CategoryComponent)
	require.NoError(t, err)
	g.RecalculateMerkleTreeHashes()
	data, err := g.Encode()
	require.NoError(t, err)
	addr, err := db.Put(ctx, data)
	require.NoError(t, err)
	_, head, err := db.CreateWorkspace(ctx, "test", addr, "tester")
	require.NoError(t, err)
	f := &fixture{t: t, ctx: ctx, db: db, head: head}
	batch, _ := f.componentBatch(head, "web")

	queue := &countingQueue{Queue: store.NewQueue(db, 5*time.Millisecond)}
	var ids []string
	for i := 0; i < 20; i++ {
		id, err := queue.Enqueue(ctx, proto.RebaseRequest{ToRebaseChangeSetID: head.ID, RebaseBatchAddress: batch})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	objects := &gatedObjects{DB: db, open: make(chan struct{})}
	svc := New(rebase.NewEngine(objects, db, rebase.Options{}), queue, db, Options{
		Concurrency: 1,
		ReceiveWait: 5 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, queue.peak(), "claimed deliveries while the first rebase is blocked")
	depth, err := store.NewQueue(db, 0).Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 19, depth["pending"])

	close(objects.open)
	for _, id := range ids {
		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		reply, err := queue.AwaitReply(wctx, id)
		wcancel()
		require.NoError(t, err)
		require.True(t, reply.OK(), reply.Message)
	}
	assert.Equal(t, 1, queue.peak())

	cancel()
	require.NoError(t, <-done)
}
