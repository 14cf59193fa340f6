package registry

import (
	"encoding/json"
	"sync"

	"github.com/agentmesh/agentmesh/broker/pkg/errs"
)

// AdapterFunc is a pure transformation of a payload from one protocol
// version to another. Adapters must not mutate their input.
type AdapterFunc func(payload json.RawMessage) (json.RawMessage, error)

// AdapterTable holds registered version adapters keyed by
// (protocol name, from version, to version).
type AdapterTable struct {
	mu       sync.RWMutex
	adapters map[adapterKey]AdapterFunc
}

type adapterKey struct {
	name string
	from string
	to   string
}

// NewAdapterTable creates an empty adapter table.
func NewAdapterTable() *AdapterTable {
	return &AdapterTable{adapters: make(map[adapterKey]AdapterFunc)}
}

// Register installs an adapter, replacing any previous one for the triple.
func (t *AdapterTable) Register(name, from, to string, fn AdapterFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adapters[adapterKey{name: name, from: from, to: to}] = fn
}

// Find returns the adapter for the triple, or nil.
func (t *AdapterTable) Find(name, from, to string) AdapterFunc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.adapters[adapterKey{name: name, from: from, to: to}]
}

// Apply transforms payload from one version to another. Missing adapters
// fail with ProtocolIncompatible; the router surfaces that to the sender.
func (t *AdapterTable) Apply(name, from, to string, payload json.RawMessage) (json.RawMessage, error) {
	fn := t.Find(name, from, to)
	if fn == nil {
		return nil, errs.E(errs.KindProtocolIncompatible, "no adapter for %s %s→%s", name, from, to).
			WithDetail("protocol", name).
			WithDetail("from_version", from).
			WithDetail("to_version", to)
	}
	out, err := fn(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "adapter %s %s→%s failed", name, from, to)
	}
	return out, nil
}
