package store_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
)

// newTestStore creates a fresh in-memory store with snapshot persistence in
// a temp dir.
func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore(t.TempDir())
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── KV ──────────────────────────────────────────────────────

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "acme", store.KindProtocol, "chat@1.0.0", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(ctx, "acme", store.KindProtocol, "chat@1.0.0")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, []byte(`{"v":1}`)) {
		t.Errorf("Get() = %s, want %s", got, `{"v":1}`)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "acme", store.KindProtocol, "missing")
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("Get() error = %v, want KindNotFound", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "acme", store.KindSession, "s1", []byte(`1`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Get(ctx, "globex", store.KindSession, "s1"); !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("Get() from another tenant error = %v, want KindNotFound", err)
	}

	recs, err := s.List(ctx, "globex", store.KindSession)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("List() from another tenant = %d records, want 0", len(recs))
	}
}

func TestGuard_RejectsNamespaceEscape(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "acme:evil", store.KindSession, "s1", []byte(`1`)); !errs.IsKind(err, errs.KindIsolationViolation) {
		t.Errorf("Put() with colon tenant error = %v, want KindIsolationViolation", err)
	}
	if err := s.Put(ctx, "acme", store.KindSession, "other:s1", []byte(`1`)); !errs.IsKind(err, errs.KindIsolationViolation) {
		t.Errorf("Put() with colon id error = %v, want KindIsolationViolation", err)
	}
}

func TestList_Sorted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if err := s.Put(ctx, "acme", store.KindTenant, id, []byte(id)); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}
	recs, err := s.List(ctx, "acme", store.KindTenant)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, rec := range recs {
		if rec.ID != want[i] {
			t.Errorf("List()[%d].ID = %q, want %q", i, rec.ID, want[i])
		}
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "acme", store.KindKey, "k1", []byte(`1`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "acme", store.KindKey, "k1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "acme", store.KindKey, "k1"); !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("second Delete() error = %v, want KindNotFound", err)
	}
}

// ─── Queues ──────────────────────────────────────────────────

func TestEnqueue_CapacityBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Fill to capacity exactly; the next enqueue must fail atomically.
	for i := 0; i < 3; i++ {
		depth, err := s.Enqueue(ctx, "acme", store.KindMailbox, "s1", []byte{byte(i)}, 3)
		if err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
		if depth != i+1 {
			t.Errorf("Enqueue(%d) depth = %d, want %d", i, depth, i+1)
		}
	}

	if _, err := s.Enqueue(ctx, "acme", store.KindMailbox, "s1", []byte{9}, 3); !errs.IsKind(err, errs.KindQueueFull) {
		t.Fatalf("Enqueue() over capacity error = %v, want KindQueueFull", err)
	}
	depth, _ := s.Depth(ctx, "acme", store.KindMailbox, "s1")
	if depth != 3 {
		t.Errorf("Depth() after rejected enqueue = %d, want 3", depth)
	}
}

func TestDequeueUpTo_FIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(ctx, "acme", store.KindMailbox, "s1", []byte{byte(i)}, 0); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}

	vals, err := s.DequeueUpTo(ctx, "acme", store.KindMailbox, "s1", 3)
	if err != nil {
		t.Fatalf("DequeueUpTo() error = %v", err)
	}
	if len(vals) != 3 {
		t.Fatalf("DequeueUpTo() returned %d, want 3", len(vals))
	}
	for i, v := range vals {
		if v[0] != byte(i) {
			t.Errorf("DequeueUpTo()[%d] = %d, want %d (FIFO order)", i, v[0], i)
		}
	}

	// n <= 0 drains the rest.
	rest, err := s.DequeueUpTo(ctx, "acme", store.KindMailbox, "s1", 0)
	if err != nil {
		t.Fatalf("DequeueUpTo(0) error = %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("DequeueUpTo(0) returned %d, want 2", len(rest))
	}
}

func TestDequeue_EmptyQueue(t *testing.T) {
	s := newTestStore(t)
	vals, err := s.DequeueUpTo(context.Background(), "acme", store.KindMailbox, "nobody", 10)
	if err != nil {
		t.Fatalf("DequeueUpTo() on empty queue error = %v", err)
	}
	if len(vals) != 0 {
		t.Errorf("DequeueUpTo() on empty queue = %d entries, want 0", len(vals))
	}
}

// ─── Persistence ─────────────────────────────────────────────

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := store.NewMemoryStore(dir)
	if err := s.Put(ctx, "acme", store.KindTenant, "acme", []byte(`{"name":"acme"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Enqueue(ctx, "acme", store.KindMailbox, "s1", []byte(`m1`), 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := store.NewMemoryStore(dir)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.Get(ctx, "acme", store.KindTenant, "acme")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if !bytes.Equal(got, []byte(`{"name":"acme"}`)) {
		t.Errorf("Get() after reopen = %s", got)
	}
	depth, err := reopened.Depth(ctx, "acme", store.KindMailbox, "s1")
	if err != nil {
		t.Fatalf("Depth() after reopen error = %v", err)
	}
	if depth != 1 {
		t.Errorf("Depth() after reopen = %d, want 1", depth)
	}
}
