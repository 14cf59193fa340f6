// Package models defines the shared data model for the AgentMesh broker:
// tenants, API keys, protocol definitions, sessions, messages, and the
// result shapes returned by the tool surface.
package models

import (
	"encoding/json"
	"regexp"
	"time"
)

// ── Tenants ─────────────────────────────────────────────────

// TenantStatus is the lifecycle state of a tenant (project).
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantInactive  TenantStatus = "inactive"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant is an isolated namespace. Every other entity carries a tenant ID,
// and no operation crosses tenants except the explicit cross-tenant router.
type Tenant struct {
	ID           string       `json:"tenant_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Status       TenantStatus `json:"status"`
	Config       TenantConfig `json:"config"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity,omitempty"`
}

// TenantConfig holds per-tenant quotas and cross-tenant rules. Quotas are
// stored here but enforced at the component boundaries that own them.
type TenantConfig struct {
	MaxSessions     int               `json:"max_sessions,omitempty"`
	MaxProtocols    int               `json:"max_protocols,omitempty"`
	MaxMailboxDepth int               `json:"max_mailbox_depth,omitempty"`
	Discoverable    bool              `json:"discoverable"`
	CrossTenant     []CrossTenantRule `json:"cross_tenant,omitempty"`
}

// CrossTenantRule declares that this tenant is willing to exchange messages
// with Peer. Traffic flows only when both sides have listed each other with
// an intersecting protocol whitelist and a non-zero rate budget.
type CrossTenantRule struct {
	Peer          string   `json:"peer"`
	Protocols     []string `json:"protocols"`
	RatePerMinute int      `json:"rate_per_minute"`
}

// RuleFor returns the cross-tenant rule for peer, or nil.
func (c TenantConfig) RuleFor(peer string) *CrossTenantRule {
	for i := range c.CrossTenant {
		if c.CrossTenant[i].Peer == peer {
			return &c.CrossTenant[i]
		}
	}
	return nil
}

// ── API keys ────────────────────────────────────────────────

// KeyStatus is the lifecycle state of an API key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
	KeyExpired KeyStatus = "expired"
)

// APIKey is the stored form of a tenant credential. Only the SHA-256 digest
// is persisted; the clear text is shown once at creation.
type APIKey struct {
	ID           string    `json:"key_id"`
	TenantID     string    `json:"tenant_id"`
	AgentID      string    `json:"agent_id"`
	Digest       string    `json:"digest"`
	Status       KeyStatus `json:"status"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	// GraceUntil is set when this key is superseded by rotation. The key
	// keeps authenticating until the deadline passes.
	GraceUntil   *time.Time `json:"grace_until,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
}

// UsableAt reports whether the key authenticates at time t, accounting for
// revocation, expiry, and the post-rotation grace window.
func (k *APIKey) UsableAt(t time.Time) bool {
	if k.Status == KeyRevoked || k.Status == KeyExpired {
		return false
	}
	if !k.ExpiresAt.IsZero() && t.After(k.ExpiresAt) {
		return false
	}
	if k.GraceUntil != nil && t.After(*k.GraceUntil) {
		return false
	}
	return true
}

// ── Protocols ───────────────────────────────────────────────

// ProtocolCapability is a communication pattern a protocol supports.
type ProtocolCapability string

const (
	CapPointToPoint    ProtocolCapability = "point_to_point"
	CapBroadcast       ProtocolCapability = "broadcast"
	CapRequestResponse ProtocolCapability = "request_response"
	CapStreaming       ProtocolCapability = "streaming"
)

// ValidCapability reports whether c is one of the known patterns.
func ValidCapability(c ProtocolCapability) bool {
	switch c {
	case CapPointToPoint, CapBroadcast, CapRequestResponse, CapStreaming:
		return true
	}
	return false
}

// ProtocolMetadata is free-form descriptive metadata on a protocol.
type ProtocolMetadata struct {
	Author      string   `json:"author,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ProtocolDefinition is a versioned payload schema. Identified by
// (tenant, name, version) and immutable after registration; a new version
// is a new definition.
type ProtocolDefinition struct {
	Tenant       string               `json:"tenant_id"`
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Schema       json.RawMessage      `json:"schema"`
	Capabilities []ProtocolCapability `json:"capabilities"`
	Metadata     ProtocolMetadata     `json:"metadata,omitempty"`
	RegisteredAt time.Time            `json:"registered_at"`
}

// Key returns the composite identity "name@version".
func (p *ProtocolDefinition) Key() string { return p.Name + "@" + p.Version }

// ProtocolInfo is the summary shape returned by register and discover.
// Shared entries carry their origin tenant and are read-only.
type ProtocolInfo struct {
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Capabilities []ProtocolCapability `json:"capabilities"`
	Tags         []string             `json:"tags,omitempty"`
	RegisteredAt time.Time            `json:"registered_at"`
	Shared       bool                 `json:"shared,omitempty"`
	Origin       string               `json:"origin_tenant,omitempty"`
}

// ProtocolShare marks a protocol as visible to other tenants.
type ProtocolShare struct {
	Owner   string `json:"owner"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ── Sessions ────────────────────────────────────────────────

// SessionStatus is the heartbeat-driven liveness state of a session.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionStale        SessionStatus = "stale"
	SessionDisconnected SessionStatus = "disconnected"
)

// SessionCapabilities is a session's advertisement: supported protocol
// versions plus a flat set of feature tags.
type SessionCapabilities struct {
	// Protocols maps protocol name to the ordered set of supported versions.
	Protocols map[string][]string `json:"protocols,omitempty"`
	Features  []string            `json:"features,omitempty"`
}

// HasFeature reports whether the session advertises the feature tag.
func (c SessionCapabilities) HasFeature(feature string) bool {
	for _, f := range c.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// SupportsVersion reports whether the session advertises exactly the given
// protocol version.
func (c SessionCapabilities) SupportsVersion(name, version string) bool {
	for _, v := range c.Protocols[name] {
		if v == version {
			return true
		}
	}
	return false
}

// Session is a connected client identity within a tenant. The tenant is
// fixed at creation; the identity is unique within the tenant.
type Session struct {
	ID            string              `json:"session_id"`
	Tenant        string              `json:"tenant_id"`
	ConnectedAt   time.Time           `json:"connected_at"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	Status        SessionStatus       `json:"status"`
	Capabilities  SessionCapabilities `json:"capabilities,omitempty"`
	QueueDepth    int                 `json:"queue_depth"`
}

// ── Messages ────────────────────────────────────────────────

// Priority orders messages for the transport; the broker itself treats it
// as an opaque header.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// MessageHeaders carries routing metadata alongside the opaque payload.
type MessageHeaders struct {
	Priority   Priority `json:"priority,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`

	// TransformedFrom is set when a downgrade adapter rewrote the payload;
	// it records the sender's original protocol version.
	TransformedFrom string `json:"transformed_from,omitempty"`

	// OriginTenant is stamped on cross-tenant hops (provenance).
	OriginTenant string `json:"origin_tenant,omitempty"`
}

// Message is a routed unit of communication. The payload is opaque to the
// router; it is validated against the protocol schema at ingress.
type Message struct {
	ID              string          `json:"message_id"`
	Sender          string          `json:"sender_session"`
	Recipient       string          `json:"recipient_session,omitempty"` // empty for fan-out
	Tenant          string          `json:"tenant_id"`
	CreatedAt       time.Time       `json:"created_at"`
	ProtocolName    string          `json:"protocol_name"`
	ProtocolVersion string          `json:"protocol_version"`
	Payload         json.RawMessage `json:"payload"`
	Headers         MessageHeaders  `json:"headers,omitempty"`
}

// Expired reports whether the message's TTL has elapsed at time t.
func (m *Message) Expired(t time.Time) bool {
	if m.Headers.TTLSeconds <= 0 {
		return false
	}
	return t.After(m.CreatedAt.Add(time.Duration(m.Headers.TTLSeconds) * time.Second))
}

// DLQEntry records a message that could not be delivered and will not be
// retried automatically. The dead-letter store is append-only.
type DLQEntry struct {
	ID                string    `json:"id"`
	Message           Message   `json:"message"`
	Reason            string    `json:"reason"`
	FailedAt          time.Time `json:"failed_at"`
	Sender            string    `json:"sender_session"`
	IntendedRecipient string    `json:"intended_recipient"`
}

// ── Routing results ─────────────────────────────────────────

// DeliveryStatus is the outcome of a unicast send.
type DeliveryStatus string

const (
	Delivered DeliveryStatus = "delivered"
	Queued    DeliveryStatus = "queued"
	QueueFull DeliveryStatus = "queue_full"
)

// SendResult is the unicast response shape.
type SendResult struct {
	Status      DeliveryStatus `json:"status"`
	MessageID   string         `json:"message_id"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	QueueDepth  int            `json:"queue_depth,omitempty"`
}

// BroadcastFailure names a recipient that was attempted and failed.
type BroadcastFailure struct {
	Session string `json:"session_id"`
	Reason  string `json:"reason"`
}

// BroadcastSummary is the fan-out response shape. Skipped sessions (filter
// mismatch, unsupported protocol) are not failures.
type BroadcastSummary struct {
	MessageID      string             `json:"message_id"`
	DeliveredCount int                `json:"delivered_count"`
	Delivered      []string           `json:"delivered"`
	Queued         []string           `json:"queued,omitempty"`
	Failed         []BroadcastFailure `json:"failed,omitempty"`
	Skipped        []string           `json:"skipped,omitempty"`
}

// ── Negotiation ─────────────────────────────────────────────

// ProtocolRequirement names an exact protocol version a negotiation must
// satisfy. Any participant lacking the version fails the negotiation
// outright.
type ProtocolRequirement struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Incompatibility records a protocol name with no common version across
// the negotiating sessions.
type Incompatibility struct {
	Protocol   string              `json:"protocol"`
	PerSession map[string][]string `json:"per_session"`
	Suggestion string              `json:"suggestion,omitempty"`
}

// NegotiationResult is the pairwise (or N-way) compatibility matrix.
// Given identical inputs the result is byte-identical: protocol names sort
// ascending and versions descending everywhere.
type NegotiationResult struct {
	Compatible         bool                `json:"compatible"`
	SupportedProtocols map[string]string   `json:"supported_protocols"`
	CommonFeatures     []string            `json:"common_features"`
	MissingFeatures    map[string][]string `json:"missing_features"`
	Incompatibilities  []Incompatibility   `json:"incompatibilities,omitempty"`
	Suggestion         string              `json:"suggestion,omitempty"`
}

// PairwiseMatrix holds the negotiation result for every unordered session
// pair, keyed "a|b" with a < b lexicographically.
type PairwiseMatrix struct {
	Pairs map[string]*NegotiationResult `json:"pairs"`
}

// ── Audit ───────────────────────────────────────────────────

// AuditEvent records an administrative or cross-tenant action.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Tenant    string                 `json:"tenant_id"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ── Validation helpers ──────────────────────────────────────

var (
	slugPattern   = regexp.MustCompile(`^[a-z][a-z0-9_]*[a-z0-9]$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// ValidSlug reports whether s is a valid tenant ID or protocol name.
func ValidSlug(s string) bool { return slugPattern.MatchString(s) }

// ValidSemver reports whether v is a semantic-version triple.
func ValidSemver(v string) bool { return semverPattern.MatchString(v) }
