package sessions

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// capacityFor resolves the mailbox capacity for a tenant, honoring a
// per-tenant quota when one is set.
func (m *Manager) capacityFor(ctx context.Context, tenant string) int {
	capacity := m.opts.MailboxCapacity
	if m.quotas != nil {
		if _, maxDepth := m.quotas(ctx, tenant); maxDepth > 0 {
			capacity = maxDepth
		}
	}
	return capacity
}

func (m *Manager) warnThreshold(capacity int) int {
	return int(math.Ceil(float64(capacity) * m.opts.WarningRatio))
}

// Enqueue appends a message to a session's mailbox. The recipient may be in
// any non-reclaimed state; a full mailbox fails with QueueFull and the
// caller decides what to dead-letter.
func (m *Manager) Enqueue(ctx context.Context, tenant, sessionID string, msg models.Message) (int, error) {
	st, err := m.state(tenant, sessionID)
	if err != nil {
		return 0, err
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err, "marshal message")
	}

	capacity := m.capacityFor(ctx, tenant)
	depth, err := m.store.Enqueue(ctx, tenant, store.KindMailbox, sessionID, raw, capacity)
	if err != nil {
		return depth, err
	}

	m.pin(tenant, msg.ProtocolName, msg.ProtocolVersion, 1)
	m.bus.Emit(contracts.EventMessageQueued, tenant, sessionID, map[string]interface{}{
		"message_id": msg.ID,
		"depth":      depth,
	})

	// Edge-triggered near-capacity warning: one event per excursion above
	// the threshold, re-armed when the drain drops below it.
	if depth >= m.warnThreshold(capacity) {
		st.mu.Lock()
		fire := !st.warned
		st.warned = true
		st.mu.Unlock()
		if fire {
			log.Warn().
				Str("tenant", tenant).
				Str("session", sessionID).
				Int("depth", depth).
				Int("capacity", capacity).
				Msg("Mailbox near capacity")
			m.bus.Emit(contracts.EventQueueNearCapacity, tenant, sessionID, map[string]interface{}{
				"depth":    depth,
				"capacity": capacity,
			})
		}
	}
	return depth, nil
}

// Drain removes and returns up to n queued messages in FIFO order (n <= 0
// drains everything). Messages whose TTL elapsed while queued go to the DLQ
// instead of being returned.
func (m *Manager) Drain(ctx context.Context, tenant, sessionID string, n int) ([]models.Message, error) {
	if _, err := m.state(tenant, sessionID); err != nil {
		return nil, err
	}

	vals, err := m.store.DequeueUpTo(ctx, tenant, store.KindMailbox, sessionID, n)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]models.Message, 0, len(vals))
	for _, raw := range vals {
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("Dropping undecodable mailbox entry")
			continue
		}
		m.pin(tenant, msg.ProtocolName, msg.ProtocolVersion, -1)
		if msg.Expired(now) {
			if err := m.DeadLetter(ctx, tenant, msg, "ttl_expired", sessionID); err != nil {
				log.Warn().Err(err).Str("message", msg.ID).Msg("Dead-letter of expired message failed")
			}
			continue
		}
		out = append(out, msg)
		m.bus.Emit(contracts.EventMessageDelivered, tenant, sessionID, map[string]interface{}{
			"message_id": msg.ID,
		})
	}

	m.rearmWarning(ctx, tenant, sessionID)
	return out, nil
}

// HasPendingMail reports whether any mailbox in the tenant still holds
// undelivered messages. Used by the tenant deactivation guard.
func (m *Manager) HasPendingMail(ctx context.Context, tenant string) (bool, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions[tenant]))
	for id := range m.sessions[tenant] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		depth, err := m.store.Depth(ctx, tenant, store.KindMailbox, id)
		if err != nil {
			return false, err
		}
		if depth > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Depth returns the current mailbox depth for a session.
func (m *Manager) Depth(ctx context.Context, tenant, sessionID string) (int, error) {
	if _, err := m.state(tenant, sessionID); err != nil {
		return 0, err
	}
	return m.store.Depth(ctx, tenant, store.KindMailbox, sessionID)
}

// DeadLetter appends a message to the tenant's append-only dead-letter
// store with the reason it could not be delivered.
func (m *Manager) DeadLetter(ctx context.Context, tenant string, msg models.Message, reason, intendedRecipient string) error {
	entry := models.DLQEntry{
		ID:                uuid.New().String(),
		Message:           msg,
		Reason:            reason,
		FailedAt:          time.Now().UTC(),
		Sender:            msg.Sender,
		IntendedRecipient: intendedRecipient,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "marshal dlq entry")
	}
	if err := m.store.Put(ctx, tenant, store.KindDLQ, entry.ID, raw); err != nil {
		return err
	}
	log.Debug().
		Str("tenant", tenant).
		Str("message", msg.ID).
		Str("reason", reason).
		Msg("Message dead-lettered")
	return nil
}

// ListDeadLetters returns the tenant's DLQ entries sorted by id.
func (m *Manager) ListDeadLetters(ctx context.Context, tenant string) ([]models.DLQEntry, error) {
	recs, err := m.store.List(ctx, tenant, store.KindDLQ)
	if err != nil {
		return nil, err
	}
	out := make([]models.DLQEntry, 0, len(recs))
	for _, rec := range recs {
		var entry models.DLQEntry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// drainToDLQ moves every remaining mailbox message to the DLQ and deletes
// the queue. Used by the retention sweep when a disconnected session's
// window expires.
func (m *Manager) drainToDLQ(ctx context.Context, tenant, sessionID, reason string) (int, error) {
	vals, err := m.store.DequeueUpTo(ctx, tenant, store.KindMailbox, sessionID, 0)
	if err != nil && !errs.IsKind(err, errs.KindNotFound) {
		return 0, err
	}

	moved := 0
	for _, raw := range vals {
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		m.pin(tenant, msg.ProtocolName, msg.ProtocolVersion, -1)
		if err := m.DeadLetter(ctx, tenant, msg, reason, sessionID); err != nil {
			return moved, err
		}
		moved++
	}

	if err := m.store.DeleteQueue(ctx, tenant, store.KindMailbox, sessionID); err != nil && !errs.IsKind(err, errs.KindNotFound) {
		return moved, err
	}
	return moved, nil
}

// rearmWarning clears the near-capacity edge trigger once depth falls back
// below the threshold.
func (m *Manager) rearmWarning(ctx context.Context, tenant, sessionID string) {
	st, err := m.state(tenant, sessionID)
	if err != nil {
		return
	}
	depth, err := m.store.Depth(ctx, tenant, store.KindMailbox, sessionID)
	if err != nil {
		return
	}
	if depth < m.warnThreshold(m.capacityFor(ctx, tenant)) {
		st.mu.Lock()
		st.warned = false
		st.mu.Unlock()
	}
}

func (m *Manager) pin(tenant, name, version string, delta int) {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	key := pinKey(tenant, name, version)
	m.pins[key] += delta
	if m.pins[key] <= 0 {
		delete(m.pins, key)
	}
}
