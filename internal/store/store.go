// Package store provides the namespaced storage layer for the AgentMesh
// broker. All persisted state is keyed by (tenant, kind, id); tenant
// isolation is enforced here and is not bypassable by callers.
//
// Two backends are provided: MemoryStore (per-tenant maps, snapshot file)
// and RedisStore (remote key/value service, keys "{tenant}:{kind}:{id}").
// FailoverStore composes the two for degraded-mode operation.
package store

import (
	"context"
	"strings"

	"github.com/agentmesh/agentmesh/broker/pkg/errs"
)

// Kind partitions a tenant's keyspace.
type Kind string

const (
	KindProtocol Kind = "protocol"
	KindSession  Kind = "session"
	KindMessage  Kind = "message"
	KindMailbox  Kind = "mailbox"
	KindDLQ      Kind = "dlq"
	KindTenant   Kind = "tenant"
	KindKey      Kind = "key"
	KindShare    Kind = "share"
	KindAudit    Kind = "audit"
)

var knownKinds = map[Kind]bool{
	KindProtocol: true,
	KindSession:  true,
	KindMessage:  true,
	KindMailbox:  true,
	KindDLQ:      true,
	KindTenant:   true,
	KindKey:      true,
	KindShare:    true,
	KindAudit:    true,
}

// Record is a stored value with its id. List results are sorted by ID so
// reads are deterministic across backends.
type Record struct {
	ID    string
	Value []byte
}

// Store is the namespaced CRUD + queue contract. Values are self-describing
// JSON records; the store imposes no schema beyond the key layout.
//
// Queue primitives are atomic: Enqueue checks capacity and appends in one
// step, DequeueUpTo removes and returns in one step.
type Store interface {
	Get(ctx context.Context, tenant string, kind Kind, id string) ([]byte, error)
	Put(ctx context.Context, tenant string, kind Kind, id string, value []byte) error
	Delete(ctx context.Context, tenant string, kind Kind, id string) error
	List(ctx context.Context, tenant string, kind Kind) ([]Record, error)

	// Enqueue appends value to the queue (tenant, kind, id). A positive max
	// bounds the queue; at capacity the call fails with KindQueueFull and
	// writes nothing. Returns the depth after the append.
	Enqueue(ctx context.Context, tenant string, kind Kind, id string, value []byte, max int) (int, error)

	// DequeueUpTo atomically removes and returns up to n entries in FIFO
	// order. An empty queue yields an empty slice, not an error.
	DequeueUpTo(ctx context.Context, tenant string, kind Kind, id string, n int) ([][]byte, error)

	// Depth returns the current queue length. Missing queues have depth 0.
	Depth(ctx context.Context, tenant string, kind Kind, id string) (int, error)

	// DeleteQueue removes the queue and its contents.
	DeleteQueue(ctx context.Context, tenant string, kind Kind, id string) error

	// Ping checks whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources and flushes any buffered state.
	Close() error
}

// guard validates the (tenant, kind, id) triple. A malformed tenant or an
// id that could escape its namespace is an isolation violation, not a
// validation error: the caller attempted to address outside its prefix.
func guard(tenant string, kind Kind, id string) error {
	if tenant == "" || strings.Contains(tenant, ":") {
		return errs.E(errs.KindIsolationViolation, "invalid tenant %q in store key", tenant)
	}
	if !knownKinds[kind] {
		return errs.E(errs.KindValidation, "unknown store kind %q", kind)
	}
	if strings.Contains(id, ":") {
		return errs.E(errs.KindIsolationViolation, "store id %q crosses namespace boundary", id)
	}
	return nil
}

// compositeKey renders the persisted key layout "{tenant}:{kind}:{id}".
func compositeKey(tenant string, kind Kind, id string) string {
	return tenant + ":" + string(kind) + ":" + id
}
