// Package events provides the in-process publish/subscribe bus for broker
// events. The core publishes; transports subscribe and forward to clients
// over whatever stream they own. Delivery is best-effort: a slow subscriber
// drops events rather than blocking the data plane.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
)

const subscriberBuffer = 64

// Bus fans broker events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
	closed bool
}

type subscriber struct {
	ch     chan contracts.BrokerEvent
	tenant string // empty subscribes to all tenants (admin/diagnostics)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for one tenant's events (empty tenant
// means all). The returned cancel func must be called to release the
// subscription; the channel is closed by cancel or bus shutdown.
func (b *Bus) Subscribe(tenant string) (<-chan contracts.BrokerEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan contracts.BrokerEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{ch: ch, tenant: tenant}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every matching subscriber. Non-blocking:
// full subscriber buffers drop the event.
func (b *Bus) Publish(event contracts.BrokerEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.tenant != "" && sub.tenant != event.Tenant {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			log.Warn().
				Str("type", string(event.Type)).
				Str("tenant", event.Tenant).
				Msg("Event dropped: subscriber buffer full")
		}
	}
}

// Emit is a convenience for building and publishing an event in one call.
func (b *Bus) Emit(eventType contracts.EventType, tenant, session string, payload map[string]interface{}) {
	b.Publish(contracts.BrokerEvent{
		Type:    eventType,
		Tenant:  tenant,
		Session: session,
		Payload: payload,
	})
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
