package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"snapgraph/cas"
	"snapgraph/ident"
	"snapgraph/proto"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDataDir(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	db, err := OpenDataDir(dir)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "snapgraph.db")); os.IsNotExist(err) {
		t.Errorf("expected database file in %s", dir)
	}
}

func TestObjects(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	data := []byte(`{"hello":"world","pad":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)
	addr, err := db.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if addr != cas.ContentHash(data) {
		t.Errorf("address should be the content hash")
	}
	again, err := db.Put(ctx, data)
	if err != nil || again != addr {
		t.Errorf("second Put should be idempotent, got %s, %v", again, err)
	}

	got, err := db.Get(ctx, addr)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("expected %q, got %q", data, got)
	}

	_, err = db.Get(ctx, cas.ContentHash([]byte("missing")))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Count != 1 || stats.Bytes != int64(len(data)) {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestWorkspaceAndChangeSets(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	snap, _ := db.Put(ctx, []byte("snapshot v1"))
	ws, head, err := db.CreateWorkspace(ctx, "demo", snap, "tester")
	if err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	if ws.DefaultChangeSetID != head.ID {
		t.Errorf("workspace HEAD should be the new change set")
	}

	got, err := db.Workspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("Workspace failed: %v", err)
	}
	if got.Name != "demo" || got.DefaultChangeSetID != head.ID {
		t.Errorf("unexpected workspace %+v", got)
	}

	cs, err := db.CreateChangeSet(ctx, ws.ID, "feature", "tester")
	if err != nil {
		t.Fatalf("CreateChangeSet failed: %v", err)
	}
	if cs.SnapshotAddress != snap || cs.BaseChangeSetID == nil || *cs.BaseChangeSetID != head.ID {
		t.Errorf("change set should fork from HEAD, got %+v", cs)
	}

	open, err := db.ListChangeSets(ctx, ws.ID, StatusOpen)
	if err != nil {
		t.Fatalf("ListChangeSets failed: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("expected HEAD and feature open, got %d", len(open))
	}

	if err := db.SetStatus(ctx, cs.ID, StatusAbandoned); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	reloaded, _ := db.ChangeSet(ctx, cs.ID)
	if reloaded.Status != StatusAbandoned {
		t.Errorf("expected abandoned, got %s", reloaded.Status)
	}
	if err := db.SetStatus(ctx, head.ID, StatusAbandoned); err == nil {
		t.Error("HEAD must not be abandoned")
	}

	if _, err := db.ChangeSet(ctx, ident.New()); !errors.Is(err, ErrChangeSetNotFound) {
		t.Errorf("expected ErrChangeSetNotFound, got %v", err)
	}
}

func TestUpdatePointer(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	v1, _ := db.Put(ctx, []byte("v1"))
	v2, _ := db.Put(ctx, []byte("v2"))
	_, head, err := db.CreateWorkspace(ctx, "demo", v1, "tester")
	if err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}

	if err := db.UpdatePointer(ctx, head.ID, v1, v2, "rebaser"); err != nil {
		t.Fatalf("UpdatePointer failed: %v", err)
	}
	cs, _ := db.ChangeSet(ctx, head.ID)
	if cs.SnapshotAddress != v2 || cs.Actor != "rebaser" {
		t.Errorf("pointer not moved: %+v", cs)
	}

	// Stale expectation.
	err = db.UpdatePointer(ctx, head.ID, v1, v1, "rebaser")
	if !errors.Is(err, ErrPointerMismatch) {
		t.Errorf("expected ErrPointerMismatch, got %v", err)
	}

	history, err := db.PointerHistory(ctx, head.ID)
	if err != nil {
		t.Fatalf("PointerHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected create and update entries, got %d", len(history))
	}
	if history[0].Parent != nil || !history[0].Old.IsZero() {
		t.Errorf("first entry should have no parent or old: %+v", history[0])
	}
	if history[1].Parent == nil || *history[1].Parent != history[0].ID {
		t.Errorf("entries should chain: %+v", history[1])
	}
	if history[1].Old != v1 || history[1].New != v2 {
		t.Errorf("unexpected move %+v", history[1])
	}
}

func TestEvictSnapshot(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	v1, _ := db.Put(ctx, []byte("v1"))
	v2, _ := db.Put(ctx, []byte("v2"))
	_, head, _ := db.CreateWorkspace(ctx, "demo", v1, "tester")

	if evicted, err := db.EvictSnapshot(ctx, v1); err != nil || evicted {
		t.Errorf("referenced snapshot must be kept, got %v, %v", evicted, err)
	}
	if err := db.UpdatePointer(ctx, head.ID, v1, v2, "tester"); err != nil {
		t.Fatalf("UpdatePointer failed: %v", err)
	}
	if evicted, err := db.EvictSnapshot(ctx, v1); err != nil || !evicted {
		t.Errorf("unreferenced snapshot should be evicted, got %v, %v", evicted, err)
	}
	if ok, _ := db.Has(ctx, v1); ok {
		t.Error("evicted snapshot still present")
	}
}

func testRequest() proto.RebaseRequest {
	return proto.RebaseRequest{ToRebaseChangeSetID: ident.New(), RebaseBatchAddress: cas.ContentHash([]byte("batch"))}
}

func TestQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestDB(t), 5*time.Millisecond)

	first, err := q.Enqueue(ctx, testRequest())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, _ := q.Enqueue(ctx, testRequest())

	d, err := q.Receive(ctx, time.Second)
	if err != nil || d == nil {
		t.Fatalf("Receive failed: %v, %v", d, err)
	}
	if d.ID != first || d.Attempts != 1 {
		t.Errorf("expected first delivery on first attempt, got %+v", d)
	}

	reply := proto.SuccessReply(cas.ContentHash([]byte("applied")))
	if err := q.Ack(ctx, d.ID, reply); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	got, err := q.AwaitReply(ctx, first)
	if err != nil {
		t.Fatalf("AwaitReply failed: %v", err)
	}
	if got != reply {
		t.Errorf("expected %+v, got %+v", reply, got)
	}
	if err := q.Ack(ctx, d.ID, reply); !errors.Is(err, ErrDeliveryNotFound) {
		t.Errorf("double ack should fail, got %v", err)
	}

	d2, _ := q.Receive(ctx, time.Second)
	if d2 == nil || d2.ID != second {
		t.Fatalf("expected second delivery, got %+v", d2)
	}
	if err := q.Nack(ctx, d2.ID, errors.New("shutting down")); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	d3, _ := q.Receive(ctx, time.Second)
	if d3 == nil || d3.ID != second || d3.Attempts != 2 {
		t.Errorf("expected redelivery of second, got %+v", d3)
	}

	empty, err := q.Receive(ctx, 10*time.Millisecond)
	if err != nil || empty != nil {
		t.Errorf("expected empty receive, got %+v, %v", empty, err)
	}
}

func TestQueueRecoverStale(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestDB(t), 5*time.Millisecond)

	id, _ := q.Enqueue(ctx, testRequest())
	if d, _ := q.Receive(ctx, time.Second); d == nil {
		t.Fatal("expected a delivery")
	}

	n, err := q.RecoverStale(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("expected one recovered delivery, got %d, %v", n, err)
	}
	depth, _ := q.Depth(ctx)
	if depth["pending"] != 1 {
		t.Errorf("expected one pending, got %v", depth)
	}

	d, _ := q.Receive(ctx, time.Second)
	if d == nil || d.ID != id {
		t.Errorf("recovered delivery should be redelivered, got %+v", d)
	}
}
