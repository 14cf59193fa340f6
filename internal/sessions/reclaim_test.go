package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/broker/internal/events"
	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// These tests drive the retention sweep directly, without the scheduler,
// so the interleaving between collection and reclaim is deterministic.

func newBareManager(t *testing.T) *Manager {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return NewManager(s, bus, Options{
		TickInterval:        10 * time.Millisecond,
		StaleThreshold:      time.Minute,
		DisconnectThreshold: 2 * time.Minute,
		Retention:           50 * time.Millisecond,
		MailboxCapacity:     10,
		WarningRatio:        0.9,
	})
}

func expireSession(t *testing.T, m *Manager, tenant, id string) *sessionState {
	t.Helper()
	m.mu.RLock()
	st := m.sessions[tenant][id]
	m.mu.RUnlock()
	if st == nil {
		t.Fatalf("session %s not tracked", id)
	}
	st.mu.Lock()
	st.disconnectedAt = time.Now().UTC().Add(-2 * m.opts.Retention)
	st.mu.Unlock()
	return st
}

func TestReclaim_RemovesExpiredSession(t *testing.T) {
	m := newBareManager(t)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "acme", "agent1", models.SessionCapabilities{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := m.Enqueue(ctx, "acme", "agent1", models.Message{ID: "m1", ProtocolName: "chat", ProtocolVersion: "1.0.0"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := m.Disconnect(ctx, "acme", "agent1", "client_disconnect"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	expireSession(t, m, "acme", "agent1")

	m.sweepRetention(time.Now().UTC())

	if _, err := m.Get(ctx, "acme", "agent1"); !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("Get() after reclaim error = %v, want KindNotFound", err)
	}
	entries, err := m.ListDeadLetters(ctx, "acme")
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "session_expired" {
		t.Errorf("DLQ = %+v, want one session_expired entry", entries)
	}
}

func TestReclaim_SkipsReconnectedSuccessor(t *testing.T) {
	m := newBareManager(t)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "acme", "agent1", models.SessionCapabilities{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := m.Enqueue(ctx, "acme", "agent1", models.Message{ID: "m1", ProtocolName: "chat", ProtocolVersion: "1.0.0"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := m.Disconnect(ctx, "acme", "agent1", "client_disconnect"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	old := expireSession(t, m, "acme", "agent1")

	// The sweep observed the expired state, then the client reconnected
	// under the same id before reclaim ran. The successor inherits the
	// mailbox and must survive the stale reclaim untouched.
	if _, err := m.Connect(ctx, "acme", "agent1", models.SessionCapabilities{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	m.reclaim("acme", "agent1", old)

	s, err := m.Get(ctx, "acme", "agent1")
	if err != nil {
		t.Fatalf("Get() after stale reclaim error = %v", err)
	}
	if s.Status != models.SessionActive {
		t.Errorf("Status = %q, want active", s.Status)
	}
	depth, err := m.Depth(ctx, "acme", "agent1")
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Errorf("Depth() = %d, want 1 (inherited mailbox intact)", depth)
	}
	entries, err := m.ListDeadLetters(ctx, "acme")
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("DLQ = %+v, want empty after stale reclaim", entries)
	}
}
