package sessions_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/broker/internal/events"
	"github.com/agentmesh/agentmesh/broker/internal/sessions"
	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// fastOptions shrink the state machine timings so transitions happen within
// test budgets.
func fastOptions() sessions.Options {
	return sessions.Options{
		TickInterval:        10 * time.Millisecond,
		StaleThreshold:      60 * time.Millisecond,
		DisconnectThreshold: 150 * time.Millisecond,
		Retention:           200 * time.Millisecond,
		MailboxCapacity:     10,
		WarningRatio:        0.9,
	}
}

func newTestManager(t *testing.T, opts sessions.Options) (*sessions.Manager, *events.Bus) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	m := sessions.NewManager(s, bus, opts)
	m.Start()
	t.Cleanup(func() { m.Close() })
	return m, bus
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func chatCaps(versions ...string) models.SessionCapabilities {
	return models.SessionCapabilities{Protocols: map[string][]string{"chat": versions}}
}

// ─── Lifecycle ───────────────────────────────────────────────

func TestConnect_MintsID(t *testing.T) {
	m, _ := newTestManager(t, fastOptions())
	s, err := m.Connect(context.Background(), "acme", "", chatCaps("1.0.0"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s.ID == "" {
		t.Error("Connect() minted no session id")
	}
	if s.Status != models.SessionActive {
		t.Errorf("Connect().Status = %q, want active", s.Status)
	}
}

func TestConnect_ReplacesIncumbent(t *testing.T) {
	m, bus := newTestManager(t, fastOptions())
	ctx := context.Background()

	ch, cancel := bus.Subscribe("acme")
	defer cancel()

	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("2.0.0")); err != nil {
		t.Fatalf("re-Connect() error = %v", err)
	}

	// The newcomer's capabilities win.
	s, err := m.Get(ctx, "acme", "worker")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !s.Capabilities.SupportsVersion("chat", "2.0.0") {
		t.Error("re-registration did not replace capabilities")
	}

	replaced := false
	deadline := time.After(time.Second)
	for !replaced {
		select {
		case ev := <-ch:
			if ev.Type == contracts.EventSessionReplaced {
				replaced = true
			}
		case <-deadline:
			t.Fatal("no session_replaced event observed")
		}
	}
}

func TestHeartbeat_DisconnectedIsTerminal(t *testing.T) {
	m, _ := newTestManager(t, fastOptions())
	ctx := context.Background()

	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Disconnect(ctx, "acme", "worker", "test"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := m.Heartbeat(ctx, "acme", "worker"); !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("Heartbeat() on disconnected error = %v, want KindNotFound", err)
	}
}

// ─── State machine ───────────────────────────────────────────

func TestStateMachine_StaleThenDisconnected(t *testing.T) {
	m, _ := newTestManager(t, fastOptions())
	ctx := context.Background()

	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	status := func() models.SessionStatus {
		s, err := m.Get(ctx, "acme", "worker")
		if err != nil {
			return ""
		}
		return s.Status
	}

	eventually(t, time.Second, func() bool { return status() == models.SessionStale },
		"session never went stale without heartbeats")
	eventually(t, time.Second, func() bool { return status() == models.SessionDisconnected },
		"session never disconnected without heartbeats")
}

func TestHeartbeat_RevivesStaleSession(t *testing.T) {
	m, _ := newTestManager(t, fastOptions())
	ctx := context.Background()

	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	eventually(t, time.Second, func() bool {
		s, _ := m.Get(ctx, "acme", "worker")
		return s != nil && s.Status == models.SessionStale
	}, "session never went stale")

	if err := m.Heartbeat(ctx, "acme", "worker"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	s, err := m.Get(ctx, "acme", "worker")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.Status != models.SessionActive {
		t.Errorf("Status after heartbeat = %q, want active", s.Status)
	}
}

// ─── Mailbox ─────────────────────────────────────────────────

func message(id string) models.Message {
	return models.Message{
		ID:              id,
		Sender:          "sender",
		Tenant:          "acme",
		ProtocolName:    "chat",
		ProtocolVersion: "1.0.0",
		Payload:         json.RawMessage(`{"text":"hi"}`),
		CreatedAt:       time.Now().UTC(),
	}
}

func TestMailbox_WarningFiresOnceAtThreshold(t *testing.T) {
	opts := fastOptions()
	opts.StaleThreshold = time.Minute // keep the session active
	opts.DisconnectThreshold = 2 * time.Minute
	m, bus := newTestManager(t, opts)
	ctx := context.Background()

	ch, cancel := bus.Subscribe("acme")
	defer cancel()

	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Capacity 10, ratio 0.9: the warning fires at depth 9, exactly once.
	for i := 0; i < 10; i++ {
		if _, err := m.Enqueue(ctx, "acme", "worker", message(string(rune('a'+i)))); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if _, err := m.Enqueue(ctx, "acme", "worker", message("overflow")); !errs.IsKind(err, errs.KindQueueFull) {
		t.Fatalf("Enqueue() at capacity error = %v, want KindQueueFull", err)
	}

	warnings := 0
	drainEvents(ch, func(ev contracts.BrokerEvent) {
		if ev.Type == contracts.EventQueueNearCapacity {
			warnings++
		}
	})
	if warnings != 1 {
		t.Errorf("queue_near_capacity events = %d, want exactly 1", warnings)
	}
}

func drainEvents(ch <-chan contracts.BrokerEvent, fn func(contracts.BrokerEvent)) {
	for {
		select {
		case ev := <-ch:
			fn(ev)
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestMailbox_DrainFIFO(t *testing.T) {
	opts := fastOptions()
	opts.StaleThreshold = time.Minute
	opts.DisconnectThreshold = 2 * time.Minute
	m, _ := newTestManager(t, opts)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := m.Enqueue(ctx, "acme", "worker", message(id)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	got, err := m.Drain(ctx, "acme", "worker", 2)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("Drain(2) = %v, want [m1 m2]", ids(got))
	}

	rest, err := m.Drain(ctx, "acme", "worker", 0)
	if err != nil {
		t.Fatalf("Drain(0) error = %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "m3" {
		t.Errorf("Drain(0) = %v, want [m3]", ids(rest))
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// ─── Reconnection and retention ──────────────────────────────

func TestReconnect_InheritsMailbox(t *testing.T) {
	opts := fastOptions()
	opts.StaleThreshold = time.Minute
	opts.DisconnectThreshold = 2 * time.Minute
	opts.Retention = time.Minute
	m, _ := newTestManager(t, opts)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := m.Enqueue(ctx, "acme", "worker", message(string(rune('a'+i)))); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if err := m.Disconnect(ctx, "acme", "worker", "client_disconnect"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	// Reconnect with the same id inside the retention window: the first
	// drain returns the queued messages.
	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("re-Connect() error = %v", err)
	}
	got, err := m.Drain(ctx, "acme", "worker", 0)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(got) != 5 {
		t.Errorf("Drain() after reconnect = %d messages, want 5", len(got))
	}
}

func TestRetention_ExpiresToDeadLetters(t *testing.T) {
	opts := fastOptions()
	opts.StaleThreshold = time.Minute
	opts.DisconnectThreshold = 2 * time.Minute
	opts.Retention = 50 * time.Millisecond
	m, _ := newTestManager(t, opts)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := m.Enqueue(ctx, "acme", "worker", message("orphan")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := m.Disconnect(ctx, "acme", "worker", "client_disconnect"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	eventually(t, time.Second, func() bool {
		_, err := m.Get(ctx, "acme", "worker")
		return errs.IsKind(err, errs.KindNotFound)
	}, "session was never reclaimed after retention")

	entries, err := m.ListDeadLetters(ctx, "acme")
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListDeadLetters() = %d entries, want 1", len(entries))
	}
	if entries[0].Reason != "session_expired" {
		t.Errorf("DLQ reason = %q, want session_expired", entries[0].Reason)
	}
	if entries[0].Message.ID != "orphan" {
		t.Errorf("DLQ message = %q, want orphan", entries[0].Message.ID)
	}

	// The reclaimed id starts fresh.
	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() after reclaim error = %v", err)
	}
	got, err := m.Drain(ctx, "acme", "worker", 0)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Drain() on fresh session = %d messages, want 0", len(got))
	}
}

// ─── Reference guard ─────────────────────────────────────────

func TestProtocolReferenced(t *testing.T) {
	opts := fastOptions()
	opts.StaleThreshold = time.Minute
	opts.DisconnectThreshold = 2 * time.Minute
	m, _ := newTestManager(t, opts)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("1.0.0")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	pinned, by, err := m.ProtocolReferenced(ctx, "acme", "chat", "1.0.0")
	if err != nil {
		t.Fatalf("ProtocolReferenced() error = %v", err)
	}
	if !pinned || by == "" {
		t.Errorf("ProtocolReferenced() = %v %q, want pinned by session", pinned, by)
	}

	if pinned, _, _ := m.ProtocolReferenced(ctx, "acme", "chat", "9.9.9"); pinned {
		t.Error("ProtocolReferenced() = true for unadvertised version")
	}

	// An undelivered message pins the version even after the session stops
	// advertising it.
	if _, err := m.Enqueue(ctx, "acme", "worker", message("pinning")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := m.Connect(ctx, "acme", "worker", chatCaps("2.0.0")); err != nil {
		t.Fatalf("re-Connect() error = %v", err)
	}
	pinned, by, err = m.ProtocolReferenced(ctx, "acme", "chat", "1.0.0")
	if err != nil {
		t.Fatalf("ProtocolReferenced() error = %v", err)
	}
	if !pinned || by != "undelivered messages" {
		t.Errorf("ProtocolReferenced() = %v %q, want pinned by undelivered messages", pinned, by)
	}
}
