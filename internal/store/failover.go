// FailoverStore composes the remote backend with a warm in-memory mirror.
// While the remote is reachable every write goes to both; when it becomes
// unreachable the store degrades to the mirror, journals writes, and spills
// the journal to disk on shutdown so nothing is silently lost.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/rs/zerolog/log"
)

const spillFileName = "spill.json"

// journalEntry is one buffered write made while degraded.
type journalEntry struct {
	Op     string `json:"op"` // put, delete, enqueue, dequeue, delete_queue
	Tenant string `json:"tenant"`
	Kind   Kind   `json:"kind"`
	ID     string `json:"id"`
	Value  []byte `json:"value,omitempty"`
	Max    int    `json:"max,omitempty"`
	N      int    `json:"n,omitempty"`
}

// FailoverStore implements Store over a primary backend and a MemoryStore
// mirror. OnTransition, when set, is invoked with true on degrade and false
// on recovery.
type FailoverStore struct {
	primary Store
	mirror  *MemoryStore

	spillDir     string
	OnTransition func(degraded bool)

	mu       sync.Mutex
	degraded bool
	journal  []journalEntry

	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewFailoverStore wraps primary with a warm mirror. A spill file left by a
// previous degraded shutdown is replayed into the primary before use.
func NewFailoverStore(primary Store, spillDir string) *FailoverStore {
	f := &FailoverStore{
		primary:  primary,
		mirror:   NewMemoryStore(""),
		spillDir: spillDir,
		doneCh:   make(chan struct{}),
	}
	f.replaySpill()
	go f.probeLoop()
	return f
}

// Degraded reports whether writes are currently buffered in memory only.
func (f *FailoverStore) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// connectivityFailure reports whether err means the primary is unreachable
// (as opposed to a typed result like NotFound or QueueFull).
func connectivityFailure(err error) bool {
	return errs.IsKind(err, errs.KindInternal)
}

func (f *FailoverStore) markDegraded() {
	f.mu.Lock()
	already := f.degraded
	f.degraded = true
	f.mu.Unlock()
	if already {
		return
	}
	log.Error().Msg("Remote store unreachable, entering degraded mode")
	if f.OnTransition != nil {
		f.OnTransition(true)
	}
}

func (f *FailoverStore) record(e journalEntry) {
	f.mu.Lock()
	f.journal = append(f.journal, e)
	f.mu.Unlock()
}

// ── KV operations ───────────────────────────────────────────

func (f *FailoverStore) Get(ctx context.Context, tenant string, kind Kind, id string) ([]byte, error) {
	if !f.Degraded() {
		v, err := f.primary.Get(ctx, tenant, kind, id)
		if err == nil {
			// Keep the mirror warm for reads too.
			_ = f.mirror.Put(ctx, tenant, kind, id, v)
			return v, nil
		}
		if !connectivityFailure(err) {
			return nil, err
		}
		f.markDegraded()
	}
	return f.mirror.Get(ctx, tenant, kind, id)
}

func (f *FailoverStore) Put(ctx context.Context, tenant string, kind Kind, id string, value []byte) error {
	if !f.Degraded() {
		err := f.primary.Put(ctx, tenant, kind, id, value)
		if err == nil {
			return f.mirror.Put(ctx, tenant, kind, id, value)
		}
		if !connectivityFailure(err) {
			return err
		}
		f.markDegraded()
	}
	if err := f.mirror.Put(ctx, tenant, kind, id, value); err != nil {
		return err
	}
	f.record(journalEntry{Op: "put", Tenant: tenant, Kind: kind, ID: id, Value: value})
	return nil
}

func (f *FailoverStore) Delete(ctx context.Context, tenant string, kind Kind, id string) error {
	if !f.Degraded() {
		err := f.primary.Delete(ctx, tenant, kind, id)
		if err == nil {
			_ = f.mirror.Delete(ctx, tenant, kind, id)
			return nil
		}
		if !connectivityFailure(err) {
			return err
		}
		f.markDegraded()
	}
	if err := f.mirror.Delete(ctx, tenant, kind, id); err != nil {
		return err
	}
	f.record(journalEntry{Op: "delete", Tenant: tenant, Kind: kind, ID: id})
	return nil
}

func (f *FailoverStore) List(ctx context.Context, tenant string, kind Kind) ([]Record, error) {
	if !f.Degraded() {
		recs, err := f.primary.List(ctx, tenant, kind)
		if err == nil {
			return recs, nil
		}
		if !connectivityFailure(err) {
			return nil, err
		}
		f.markDegraded()
	}
	return f.mirror.List(ctx, tenant, kind)
}

// ── Queue operations ────────────────────────────────────────

func (f *FailoverStore) Enqueue(ctx context.Context, tenant string, kind Kind, id string, value []byte, max int) (int, error) {
	if !f.Degraded() {
		depth, err := f.primary.Enqueue(ctx, tenant, kind, id, value, max)
		if err == nil {
			_, _ = f.mirror.Enqueue(ctx, tenant, kind, id, value, 0)
			return depth, nil
		}
		if !connectivityFailure(err) {
			return depth, err
		}
		f.markDegraded()
	}
	depth, err := f.mirror.Enqueue(ctx, tenant, kind, id, value, max)
	if err != nil {
		return depth, err
	}
	f.record(journalEntry{Op: "enqueue", Tenant: tenant, Kind: kind, ID: id, Value: value, Max: max})
	return depth, nil
}

func (f *FailoverStore) DequeueUpTo(ctx context.Context, tenant string, kind Kind, id string, n int) ([][]byte, error) {
	if !f.Degraded() {
		vals, err := f.primary.DequeueUpTo(ctx, tenant, kind, id, n)
		if err == nil {
			_, _ = f.mirror.DequeueUpTo(ctx, tenant, kind, id, len(vals))
			return vals, nil
		}
		if !connectivityFailure(err) {
			return nil, err
		}
		f.markDegraded()
	}
	vals, err := f.mirror.DequeueUpTo(ctx, tenant, kind, id, n)
	if err != nil {
		return nil, err
	}
	if len(vals) > 0 {
		f.record(journalEntry{Op: "dequeue", Tenant: tenant, Kind: kind, ID: id, N: len(vals)})
	}
	return vals, nil
}

func (f *FailoverStore) Depth(ctx context.Context, tenant string, kind Kind, id string) (int, error) {
	if !f.Degraded() {
		depth, err := f.primary.Depth(ctx, tenant, kind, id)
		if err == nil {
			return depth, nil
		}
		if !connectivityFailure(err) {
			return 0, err
		}
		f.markDegraded()
	}
	return f.mirror.Depth(ctx, tenant, kind, id)
}

func (f *FailoverStore) DeleteQueue(ctx context.Context, tenant string, kind Kind, id string) error {
	if !f.Degraded() {
		err := f.primary.DeleteQueue(ctx, tenant, kind, id)
		if err == nil {
			_ = f.mirror.DeleteQueue(ctx, tenant, kind, id)
			return nil
		}
		if !connectivityFailure(err) {
			return err
		}
		f.markDegraded()
	}
	if err := f.mirror.DeleteQueue(ctx, tenant, kind, id); err != nil {
		return err
	}
	f.record(journalEntry{Op: "delete_queue", Tenant: tenant, Kind: kind, ID: id})
	return nil
}

func (f *FailoverStore) Ping(ctx context.Context) error {
	if f.Degraded() {
		return errs.E(errs.KindDegradedStore, "remote store unreachable, serving from memory")
	}
	return f.primary.Ping(ctx)
}

// Close flushes the journal to a spill file when shutting down degraded,
// so buffered writes can be replayed at next start.
func (f *FailoverStore) Close() error {
	f.closeOnce.Do(func() { close(f.doneCh) })

	f.mu.Lock()
	degraded := f.degraded
	journal := f.journal
	f.mu.Unlock()

	if degraded && len(journal) > 0 && f.spillDir != "" {
		f.writeSpill(journal)
	}

	_ = f.mirror.Close()
	return f.primary.Close()
}

// ── Recovery ────────────────────────────────────────────────

// probeLoop pings the primary every 5s while degraded and replays the
// journal once it answers.
func (f *FailoverStore) probeLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-f.doneCh:
			return
		case <-ticker.C:
			if !f.Degraded() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := f.primary.Ping(ctx)
			cancel()
			if err != nil {
				continue
			}
			f.recover()
		}
	}
}

func (f *FailoverStore) recover() {
	f.mu.Lock()
	journal := f.journal
	f.journal = nil
	f.degraded = false
	f.mu.Unlock()

	replayed := f.replay(journal)
	log.Info().Int("replayed", replayed).Msg("Remote store recovered, journal replayed")
	if f.OnTransition != nil {
		f.OnTransition(false)
	}
}

// replay applies journaled writes to the primary. Entries that fail with a
// typed error (e.g. delete of an already-gone record) are skipped.
func (f *FailoverStore) replay(journal []journalEntry) int {
	ctx := context.Background()
	replayed := 0
	for _, e := range journal {
		var err error
		switch e.Op {
		case "put":
			err = f.primary.Put(ctx, e.Tenant, e.Kind, e.ID, e.Value)
		case "delete":
			err = f.primary.Delete(ctx, e.Tenant, e.Kind, e.ID)
		case "enqueue":
			_, err = f.primary.Enqueue(ctx, e.Tenant, e.Kind, e.ID, e.Value, e.Max)
		case "dequeue":
			_, err = f.primary.DequeueUpTo(ctx, e.Tenant, e.Kind, e.ID, e.N)
		case "delete_queue":
			err = f.primary.DeleteQueue(ctx, e.Tenant, e.Kind, e.ID)
		}
		if err == nil {
			replayed++
		} else if connectivityFailure(err) {
			log.Warn().Err(err).Msg("Primary lost again during journal replay")
			f.mu.Lock()
			f.degraded = true
			f.journal = append(journal[replayed:], f.journal...)
			f.mu.Unlock()
			return replayed
		}
	}
	return replayed
}

func (f *FailoverStore) writeSpill(journal []journalEntry) {
	if err := os.MkdirAll(f.spillDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", f.spillDir).Msg("Cannot create spill dir")
		return
	}
	data, err := json.Marshal(journal)
	if err != nil {
		log.Error().Err(err).Msg("Cannot marshal spill journal")
		return
	}
	path := filepath.Join(f.spillDir, spillFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Cannot write spill file")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Cannot rename spill file")
		return
	}
	log.Warn().Int("entries", len(journal)).Str("path", path).Msg("Degraded shutdown: journal spilled to disk")
}

// replaySpill loads a spill file left by a previous degraded shutdown.
func (f *FailoverStore) replaySpill() {
	if f.spillDir == "" {
		return
	}
	path := filepath.Join(f.spillDir, spillFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var journal []journalEntry
	if err := json.Unmarshal(data, &journal); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Cannot parse spill file, leaving it in place")
		return
	}
	replayed := f.replay(journal)
	if replayed == len(journal) {
		_ = os.Remove(path)
		log.Info().Int("entries", replayed).Msg("Spill file replayed into remote store")
	}
}
