// In-memory Store implementation. Used directly as the "memory" backend and
// as the warm mirror inside FailoverStore. Supports file-based snapshot
// persistence so buffered state survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Records map[string]map[Kind]map[string][]byte   `json:"records"`
	Queues  map[string]map[Kind]map[string][][]byte `json:"queues"`
}

// MemoryStore implements Store with per-tenant maps.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[Kind]map[string][]byte   // tenant → kind → id → value
	queues  map[string]map[Kind]map[string][][]byte // tenant → kind → id → FIFO

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutine to stop
}

// NewMemoryStore creates an in-memory store. If dir is non-empty, state is
// snapshotted to dir/store.json (debounced) and reloaded at next start.
func NewMemoryStore(dir string) *MemoryStore {
	m := &MemoryStore{
		records: make(map[string]map[Kind]map[string][]byte),
		queues:  make(map[string]map[Kind]map[string][][]byte),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Cannot create store dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dir, "store.json")
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	return m
}

// ── KV operations ───────────────────────────────────────────

func (m *MemoryStore) Get(ctx context.Context, tenant string, kind Kind, id string) ([]byte, error) {
	if err := guard(tenant, kind, id); err != nil {
		return nil, err
	}
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[tenant][kind][id]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "%s %q not found in tenant %q", kind, id, tenant)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Put(ctx context.Context, tenant string, kind Kind, id string, value []byte) error {
	if err := guard(tenant, kind, id); err != nil {
		return err
	}
	if err := errs.FromContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.records[tenant] == nil {
		m.records[tenant] = make(map[Kind]map[string][]byte)
	}
	if m.records[tenant][kind] == nil {
		m.records[tenant][kind] = make(map[string][]byte)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.records[tenant][kind][id] = stored
	m.mu.Unlock()

	m.requestSave()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, tenant string, kind Kind, id string) error {
	if err := guard(tenant, kind, id); err != nil {
		return err
	}
	if err := errs.FromContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.records[tenant][kind][id]; !ok {
		m.mu.Unlock()
		return errs.E(errs.KindNotFound, "%s %q not found in tenant %q", kind, id, tenant)
	}
	delete(m.records[tenant][kind], id)
	m.mu.Unlock()

	m.requestSave()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, tenant string, kind Kind) ([]Record, error) {
	if err := guard(tenant, kind, "list"); err != nil {
		return nil, err
	}
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.records[tenant][kind]
	out := make([]Record, 0, len(byID))
	for id, v := range byID {
		value := make([]byte, len(v))
		copy(value, v)
		out = append(out, Record{ID: id, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Queue operations ────────────────────────────────────────

func (m *MemoryStore) Enqueue(ctx context.Context, tenant string, kind Kind, id string, value []byte, max int) (int, error) {
	if err := guard(tenant, kind, id); err != nil {
		return 0, err
	}
	if err := errs.FromContext(ctx); err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.queues[tenant] == nil {
		m.queues[tenant] = make(map[Kind]map[string][][]byte)
	}
	if m.queues[tenant][kind] == nil {
		m.queues[tenant][kind] = make(map[string][][]byte)
	}
	q := m.queues[tenant][kind][id]
	if max > 0 && len(q) >= max {
		depth := len(q)
		m.mu.Unlock()
		return depth, errs.E(errs.KindQueueFull, "queue %s/%s at capacity %d", kind, id, max).
			WithDetail("depth", depth)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.queues[tenant][kind][id] = append(q, stored)
	depth := len(q) + 1
	m.mu.Unlock()

	m.requestSave()
	return depth, nil
}

func (m *MemoryStore) DequeueUpTo(ctx context.Context, tenant string, kind Kind, id string, n int) ([][]byte, error) {
	if err := guard(tenant, kind, id); err != nil {
		return nil, err
	}
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	q := m.queues[tenant][kind][id]
	if n <= 0 || n > len(q) {
		n = len(q)
	}
	taken := q[:n]
	out := make([][]byte, n)
	for i, v := range taken {
		out[i] = make([]byte, len(v))
		copy(out[i], v)
	}
	if m.queues[tenant][kind] != nil {
		rest := make([][]byte, len(q)-n)
		copy(rest, q[n:])
		m.queues[tenant][kind][id] = rest
	}
	m.mu.Unlock()

	if n > 0 {
		m.requestSave()
	}
	return out, nil
}

func (m *MemoryStore) Depth(ctx context.Context, tenant string, kind Kind, id string) (int, error) {
	if err := guard(tenant, kind, id); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[tenant][kind][id]), nil
}

func (m *MemoryStore) DeleteQueue(ctx context.Context, tenant string, kind Kind, id string) error {
	if err := guard(tenant, kind, id); err != nil {
		return err
	}
	m.mu.Lock()
	if m.queues[tenant][kind] != nil {
		delete(m.queues[tenant][kind], id)
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the background saver and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

// ── Snapshot persistence ────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.Marshal(snapshot{Records: m.records, Queues: m.queues})
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal store snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write store snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename store snapshot")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read store snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse store snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Records != nil {
		m.records = snap.Records
	}
	if snap.Queues != nil {
		m.queues = snap.Queues
	}

	log.Info().
		Int("tenants", len(m.records)).
		Str("path", m.snapshotPath).
		Msg("Store snapshot loaded")
}
