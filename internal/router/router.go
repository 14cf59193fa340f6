// Package router moves messages between sessions: unicast with version
// downgrade, fan-out with capability filtering, and the explicitly
// opted-in cross-tenant path. Undeliverable messages go to the dead-letter
// store, never silently dropped.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/broker/internal/events"
	"github.com/agentmesh/agentmesh/broker/internal/registry"
	"github.com/agentmesh/agentmesh/broker/internal/sessions"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// DLQ reasons recorded on dead-lettered messages.
const (
	ReasonQueueFull           = "queue_full"
	ReasonRecipientGone       = "recipient_gone"
	ReasonProtocolMismatch    = "protocol_mismatch"
	ReasonCrossTenantRejected = "cross_tenant_rejected"
)

// TenantResolver looks up tenant records for cross-tenant rule checks.
// Implemented by the tenant registry; an interface here avoids a package
// cycle.
type TenantResolver interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
}

// Options bound router behavior.
type Options struct {
	MaxPayloadBytes     int // hard cap on message payload size
	SenderRatePerMinute int // per-sender token bucket refill; <= 0 disables limiting
}

// DefaultOptions mirror the documented configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxPayloadBytes:     10 << 20,
		SenderRatePerMinute: 600,
	}
}

// Router delivers messages within and, when both sides opt in, across
// tenants.
type Router struct {
	registry *registry.Registry
	sessions *sessions.Manager
	tenants  TenantResolver
	bus      *events.Bus
	auditor  Auditor
	opts     Options

	mu       sync.Mutex
	senders  map[string]*rate.Limiter // "{tenant}:{session}"
	pairs    map[string]*rate.Limiter // "{a}|{b}", a < b
	pairRate map[string]int           // budget the pair limiter was built with
}

// New creates a router. The tenant resolver may be nil when the deployment
// never routes across tenants.
func New(reg *registry.Registry, mgr *sessions.Manager, tenants TenantResolver, bus *events.Bus, opts Options) *Router {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultOptions().MaxPayloadBytes
	}
	return &Router{
		registry: reg,
		sessions: mgr,
		tenants:  tenants,
		bus:      bus,
		opts:     opts,
		senders:  make(map[string]*rate.Limiter),
		pairs:    make(map[string]*rate.Limiter),
		pairRate: make(map[string]int),
	}
}

// ── Unicast ─────────────────────────────────────────────────

// Send routes one message to one recipient in the same tenant. The result
// distinguishes delivered (recipient active), queued (recipient stale or
// disconnected within retention), and queue_full (dead-lettered).
func (r *Router) Send(ctx context.Context, msg models.Message) (*models.SendResult, error) {
	if err := r.admit(ctx, &msg); err != nil {
		return nil, err
	}

	sender, err := r.sessions.Get(ctx, msg.Tenant, msg.Sender)
	if err != nil {
		return nil, err
	}
	if sender.Status == models.SessionDisconnected {
		return nil, errs.E(errs.KindNotFound, "sender session %s is disconnected", msg.Sender)
	}

	recipient, err := r.sessions.Get(ctx, msg.Tenant, msg.Recipient)
	if errs.IsKind(err, errs.KindNotFound) {
		// The recipient id may belong to another tenant; that is an
		// isolation violation, not a lookup miss, so the sender learns
		// nothing about other tenants' session ids.
		return nil, errs.E(errs.KindIsolationViolation, "recipient %q not in tenant %q", msg.Recipient, msg.Tenant)
	}
	if err != nil {
		return nil, err
	}

	if err := r.reconcileVersion(ctx, &msg, recipient); err != nil {
		return nil, err
	}

	return r.deliver(ctx, msg, recipient)
}

// admit runs the ingress checks shared by unicast and broadcast: rate
// limit, payload cap, schema validation. It also stamps identity and
// timestamps.
func (r *Router) admit(ctx context.Context, msg *models.Message) error {
	if err := errs.FromContext(ctx); err != nil {
		return err
	}
	if !r.senderLimiter(msg.Tenant, msg.Sender).Allow() {
		return errs.E(errs.KindRateLimited, "sender %s over rate limit", msg.Sender).
			WithDetail("retry_after_seconds", 1)
	}
	if len(msg.Payload) > r.opts.MaxPayloadBytes {
		return errs.E(errs.KindValidation, "payload of %d bytes exceeds limit %d", len(msg.Payload), r.opts.MaxPayloadBytes)
	}
	if msg.Headers.Priority != "" && !models.ValidPriority(msg.Headers.Priority) {
		return errs.E(errs.KindValidation, "unknown priority %q", msg.Headers.Priority)
	}
	if err := r.registry.ValidatePayload(ctx, msg.Tenant, msg.ProtocolName, msg.ProtocolVersion, msg.Payload); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return nil
}

// reconcileVersion makes the message speakable by the recipient. If the
// recipient lacks the sender's version but holds another one with a
// registered adapter, the payload is rewritten and the original version
// recorded in TransformedFrom. No adapter means the send fails.
func (r *Router) reconcileVersion(ctx context.Context, msg *models.Message, recipient *models.Session) error {
	if recipient.Capabilities.SupportsVersion(msg.ProtocolName, msg.ProtocolVersion) {
		return nil
	}

	for _, candidate := range recipient.Capabilities.Protocols[msg.ProtocolName] {
		fn := r.registry.Adapters().Find(msg.ProtocolName, msg.ProtocolVersion, candidate)
		if fn == nil {
			continue
		}
		transformed, err := r.registry.Adapters().Apply(msg.ProtocolName, msg.ProtocolVersion, candidate, msg.Payload)
		if err != nil {
			return err
		}
		log.Debug().
			Str("protocol", msg.ProtocolName).
			Str("from", msg.ProtocolVersion).
			Str("to", candidate).
			Str("recipient", recipient.ID).
			Msg("Payload transformed for recipient")
		msg.Headers.TransformedFrom = msg.ProtocolVersion
		msg.ProtocolVersion = candidate
		msg.Payload = transformed
		return nil
	}

	return errs.E(errs.KindProtocolIncompatible,
		"recipient %s does not support %s@%s and no adapter applies",
		recipient.ID, msg.ProtocolName, msg.ProtocolVersion).
		WithDetail("protocol", msg.ProtocolName).
		WithDetail("version", msg.ProtocolVersion).
		WithDetail("recipient_versions", recipient.Capabilities.Protocols[msg.ProtocolName])
}

// deliver enqueues into the recipient mailbox and classifies the outcome.
func (r *Router) deliver(ctx context.Context, msg models.Message, recipient *models.Session) (*models.SendResult, error) {
	depth, err := r.sessions.Enqueue(ctx, msg.Tenant, recipient.ID, msg)
	if errs.IsKind(err, errs.KindQueueFull) {
		if dlErr := r.sessions.DeadLetter(ctx, msg.Tenant, msg, ReasonQueueFull, recipient.ID); dlErr != nil {
			return nil, dlErr
		}
		return &models.SendResult{Status: models.QueueFull, MessageID: msg.ID, QueueDepth: depth}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &models.SendResult{MessageID: msg.ID, QueueDepth: depth}
	if recipient.Status == models.SessionActive {
		now := time.Now().UTC()
		result.Status = models.Delivered
		result.DeliveredAt = &now
	} else {
		result.Status = models.Queued
	}
	return result, nil
}

// ── Broadcast ───────────────────────────────────────────────

// BroadcastFilter narrows fan-out recipients. Zero value means every
// session in the tenant except the sender.
type BroadcastFilter struct {
	Feature  string                 // required feature tag
	Statuses []models.SessionStatus // allowed states; empty = active and stale
}

func (f BroadcastFilter) allowsStatus(s models.SessionStatus) bool {
	if len(f.Statuses) == 0 {
		return s == models.SessionActive || s == models.SessionStale
	}
	for _, allowed := range f.Statuses {
		if allowed == s {
			return true
		}
	}
	return false
}

// Broadcast fans one message out to every matching session in the tenant.
// Sessions that don't match the filter or can't speak the protocol are
// skipped, not failed; a full mailbox is a failure and dead-letters the
// copy for that recipient.
func (r *Router) Broadcast(ctx context.Context, msg models.Message, filter BroadcastFilter) (*models.BroadcastSummary, error) {
	if err := r.admit(ctx, &msg); err != nil {
		return nil, err
	}

	if _, err := r.sessions.Get(ctx, msg.Tenant, msg.Sender); err != nil {
		return nil, err
	}

	candidates, err := r.sessions.List(ctx, msg.Tenant, sessions.ListFilter{IncludeCapabilities: true})
	if err != nil {
		return nil, err
	}

	summary := &models.BroadcastSummary{
		MessageID: msg.ID,
		Delivered: []string{},
	}
	for i := range candidates {
		recipient := candidates[i]
		if recipient.ID == msg.Sender {
			continue
		}
		if !filter.allowsStatus(recipient.Status) {
			summary.Skipped = append(summary.Skipped, recipient.ID)
			continue
		}
		if filter.Feature != "" && !recipient.Capabilities.HasFeature(filter.Feature) {
			summary.Skipped = append(summary.Skipped, recipient.ID)
			continue
		}

		// Each recipient gets its own copy so a downgrade for one never
		// leaks into another's payload.
		copyMsg := msg
		if err := r.reconcileVersion(ctx, &copyMsg, &recipient); err != nil {
			summary.Skipped = append(summary.Skipped, recipient.ID)
			continue
		}

		res, err := r.deliver(ctx, copyMsg, &recipient)
		if err != nil {
			summary.Failed = append(summary.Failed, models.BroadcastFailure{Session: recipient.ID, Reason: err.Error()})
			continue
		}
		switch res.Status {
		case models.Delivered:
			summary.Delivered = append(summary.Delivered, recipient.ID)
			summary.DeliveredCount++
		case models.Queued:
			summary.Queued = append(summary.Queued, recipient.ID)
		case models.QueueFull:
			summary.Failed = append(summary.Failed, models.BroadcastFailure{Session: recipient.ID, Reason: ReasonQueueFull})
		}
	}
	return summary, nil
}

// ── Rate limiting ───────────────────────────────────────────

func (r *Router) senderLimiter(tenant, session string) *rate.Limiter {
	key := tenant + ":" + session
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.senders[key]
	if !ok {
		if perMin := r.opts.SenderRatePerMinute; perMin > 0 {
			lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		} else {
			lim = rate.NewLimiter(rate.Inf, 0)
		}
		r.senders[key] = lim
	}
	return lim
}
