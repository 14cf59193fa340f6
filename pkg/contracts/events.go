package contracts

import "time"

// ── Broker events ───────────────────────────────────────────

// EventType describes what happened inside the broker core.
type EventType string

const (
	EventSessionConnected    EventType = "session_connected"
	EventSessionReplaced     EventType = "session_replaced"
	EventSessionStale        EventType = "session_stale"
	EventSessionDisconnected EventType = "session_disconnected"
	EventMessageQueued       EventType = "message_queued"
	EventMessageDelivered    EventType = "message_delivered"
	EventQueueNearCapacity   EventType = "queue_near_capacity"
	EventStoreDegraded       EventType = "store_degraded"
	EventStoreRecovered      EventType = "store_recovered"
	EventCrossTenantHop      EventType = "cross_tenant_hop"
)

// BrokerEvent is the payload published on the in-process event bus. The
// core publishes these; transports may forward them to connected clients
// over a stream of their choosing.
type BrokerEvent struct {
	Type      EventType              `json:"type"`
	Tenant    string                 `json:"tenant_id,omitempty"`
	Session   string                 `json:"session_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
