// Package sessions tracks connected client sessions: the heartbeat-driven
// liveness state machine, per-session mailboxes for offline delivery, and
// the retention window that decides when a disconnected session's mailbox
// drains to the dead-letter store.
package sessions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/internal/events"
	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// Options parameterizes the state machine and mailboxes.
type Options struct {
	TickInterval        time.Duration // scheduler granularity, ≤ 1s
	StaleThreshold      time.Duration // T_s: active → stale
	DisconnectThreshold time.Duration // T_d: stale → disconnected (from last heartbeat)
	Retention           time.Duration // disconnected mailbox retention before DLQ
	MailboxCapacity     int           // Q
	WarningRatio        float64       // near-capacity threshold, e.g. 0.9
}

// DefaultOptions mirror the documented configuration defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:        time.Second,
		StaleThreshold:      30 * time.Second,
		DisconnectThreshold: 60 * time.Second,
		Retention:           5 * time.Minute,
		MailboxCapacity:     100,
		WarningRatio:        0.9,
	}
}

// QuotaResolver returns per-tenant limits (0 = unlimited / default). Wired
// to the tenant registry during server assembly.
type QuotaResolver func(ctx context.Context, tenant string) (maxSessions, maxMailboxDepth int)

// sessionState is the in-memory record for one session. Each state is its
// own lock domain; the scheduler never holds the manager's write lock while
// touching a session.
type sessionState struct {
	mu             sync.Mutex
	s              models.Session
	disconnectedAt time.Time
	warned         bool // queue_near_capacity edge trigger
}

// Manager owns the session lifecycle for all tenants.
type Manager struct {
	store  store.Store
	bus    *events.Bus
	opts   Options
	quotas QuotaResolver

	mu       sync.RWMutex
	sessions map[string]map[string]*sessionState // tenant → session id

	// pins counts undelivered mailbox messages per protocol version,
	// keyed "{tenant}:{name}@{version}". Used by the registry's delete guard.
	pinMu sync.Mutex
	pins  map[string]int

	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewManager creates a session manager. Start must be called to run the
// heartbeat scheduler.
func NewManager(s store.Store, bus *events.Bus, opts Options) *Manager {
	if opts.TickInterval <= 0 || opts.TickInterval > time.Second {
		opts.TickInterval = time.Second
	}
	return &Manager{
		store:    s,
		bus:      bus,
		opts:     opts,
		sessions: make(map[string]map[string]*sessionState),
		pins:     make(map[string]int),
		doneCh:   make(chan struct{}),
	}
}

// SetQuotaResolver wires per-tenant limits. Call before Start.
func (m *Manager) SetQuotaResolver(q QuotaResolver) { m.quotas = q }

// Start launches the heartbeat scheduler. The loop is cancellable only by
// Close.
func (m *Manager) Start() {
	go m.schedulerLoop()
}

// Close stops the scheduler. Session state stays persisted in the store.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.doneCh) })
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────

// Connect registers a session. An empty id mints a new UUID. Re-registering
// an existing id within the same tenant terminates the incumbent with
// reason session_replaced; the newcomer inherits the incumbent's mailbox.
func (m *Manager) Connect(ctx context.Context, tenant, id string, caps models.SessionCapabilities) (*models.Session, error) {
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	byID := m.sessions[tenant]
	if byID == nil {
		byID = make(map[string]*sessionState)
		m.sessions[tenant] = byID
	}

	if m.quotas != nil {
		maxSessions, _ := m.quotas(ctx, tenant)
		if maxSessions > 0 && m.liveCountLocked(tenant) >= maxSessions {
			if st, exists := byID[id]; !exists || st.status() == models.SessionDisconnected {
				m.mu.Unlock()
				return nil, errs.E(errs.KindRateLimited, "tenant %s at session quota %d", tenant, maxSessions)
			}
		}
	}

	prior, replacing := byID[id]
	now := time.Now().UTC()
	st := &sessionState{
		s: models.Session{
			ID:            id,
			Tenant:        tenant,
			ConnectedAt:   now,
			LastHeartbeat: now,
			Status:        models.SessionActive,
			Capabilities:  caps,
		},
	}
	byID[id] = st
	m.mu.Unlock()

	if replacing && prior.status() != models.SessionDisconnected {
		log.Info().
			Str("tenant", tenant).
			Str("session", id).
			Msg("Session replaced by re-registration")
		m.bus.Emit(contracts.EventSessionReplaced, tenant, id, map[string]interface{}{
			"reason": "session_replaced",
		})
	}

	if err := m.persist(ctx, st); err != nil {
		return nil, err
	}

	m.bus.Emit(contracts.EventSessionConnected, tenant, id, nil)
	out := m.snapshotWithDepth(ctx, st)
	return &out, nil
}

// Heartbeat records liveness. A stale session returns to active; a
// disconnected identity is terminal and reports NotFound.
func (m *Manager) Heartbeat(ctx context.Context, tenant, id string) error {
	st, err := m.state(tenant, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	st.mu.Lock()
	if st.s.Status == models.SessionDisconnected {
		st.mu.Unlock()
		return errs.E(errs.KindNotFound, "session %s is disconnected", id)
	}
	// Last-writer-wins with a timestamp compare: never move the clock back.
	if now.After(st.s.LastHeartbeat) {
		st.s.LastHeartbeat = now
	}
	st.s.Status = models.SessionActive
	snapshot := st.s
	st.mu.Unlock()

	return m.persistSnapshot(ctx, snapshot)
}

// Disconnect closes a session explicitly. The mailbox is retained for the
// configured window so the same id can reconnect and drain it.
func (m *Manager) Disconnect(ctx context.Context, tenant, id, reason string) error {
	st, err := m.state(tenant, id)
	if err != nil {
		return err
	}
	m.transitionDisconnected(st, reason)
	return nil
}

// Get returns a session with its live queue depth.
func (m *Manager) Get(ctx context.Context, tenant, id string) (*models.Session, error) {
	st, err := m.state(tenant, id)
	if err != nil {
		return nil, err
	}
	out := m.snapshotWithDepth(ctx, st)
	return &out, nil
}

// ListFilter narrows a session listing.
type ListFilter struct {
	Status              models.SessionStatus // empty matches all
	IncludeCapabilities bool
}

// List returns the tenant's sessions sorted by id. Cross-tenant listing is
// the façade's responsibility and is explicit and audited there.
func (m *Manager) List(ctx context.Context, tenant string, filter ListFilter) ([]models.Session, error) {
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	states := make([]*sessionState, 0, len(m.sessions[tenant]))
	for _, st := range m.sessions[tenant] {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]models.Session, 0, len(states))
	for _, st := range states {
		s := m.snapshotWithDepth(ctx, st)
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if !filter.IncludeCapabilities {
			s.Capabilities = models.SessionCapabilities{}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Tenants returns every tenant with at least one tracked session.
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for t := range m.sessions {
		out = append(out, t)
	}
	return out
}

// HasLiveSessions reports whether the tenant has any non-disconnected
// session (used by the tenant registry's deactivate guard).
func (m *Manager) HasLiveSessions(tenant string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveCountLocked(tenant) > 0
}

func (m *Manager) liveCountLocked(tenant string) int {
	n := 0
	for _, st := range m.sessions[tenant] {
		if st.status() != models.SessionDisconnected {
			n++
		}
	}
	return n
}

// Restore reloads persisted sessions for the given tenants after a restart.
// Restored sessions keep their stored heartbeat; the scheduler will demote
// them naturally if their clients are gone.
func (m *Manager) Restore(ctx context.Context, tenants []string) error {
	for _, tenant := range tenants {
		recs, err := m.store.List(ctx, tenant, store.KindSession)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if m.sessions[tenant] == nil {
			m.sessions[tenant] = make(map[string]*sessionState)
		}
		for _, rec := range recs {
			var s models.Session
			if err := json.Unmarshal(rec.Value, &s); err != nil {
				log.Warn().Err(err).Str("session", rec.ID).Msg("Skipping undecodable session record")
				continue
			}
			m.sessions[tenant][s.ID] = &sessionState{s: s}
		}
		m.mu.Unlock()
	}
	return nil
}

// ── Registry delete guard ───────────────────────────────────

// ProtocolReferenced reports whether any live session advertises the
// version or any undelivered mailbox message pins it.
func (m *Manager) ProtocolReferenced(ctx context.Context, tenant, name, version string) (bool, string, error) {
	m.mu.RLock()
	for id, st := range m.sessions[tenant] {
		if st.status() == models.SessionDisconnected {
			continue
		}
		if st.capabilities().SupportsVersion(name, version) {
			m.mu.RUnlock()
			return true, "session " + id, nil
		}
	}
	m.mu.RUnlock()

	m.pinMu.Lock()
	pinned := m.pins[pinKey(tenant, name, version)] > 0
	m.pinMu.Unlock()
	if pinned {
		return true, "undelivered messages", nil
	}
	return false, "", nil
}

func pinKey(tenant, name, version string) string { return tenant + ":" + name + "@" + version }

// ── Scheduler ───────────────────────────────────────────────

// schedulerLoop re-evaluates every session at each tick. It takes only
// session-specific locks; errors are logged and retried, never fatal.
func (m *Manager) schedulerLoop() {
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	now := time.Now().UTC()

	m.mu.RLock()
	var states []*sessionState
	for _, byID := range m.sessions {
		for _, st := range byID {
			states = append(states, st)
		}
	}
	m.mu.RUnlock()

	for _, st := range states {
		m.evaluate(st, now)
	}
	m.sweepRetention(now)
}

// evaluate applies the state machine transitions for one session.
func (m *Manager) evaluate(st *sessionState, now time.Time) {
	st.mu.Lock()
	s := st.s
	st.mu.Unlock()

	if s.Status == models.SessionDisconnected {
		return
	}

	elapsed := now.Sub(s.LastHeartbeat)
	switch {
	case elapsed >= m.opts.DisconnectThreshold:
		m.transitionDisconnected(st, "heartbeat_timeout")
	case elapsed >= m.opts.StaleThreshold && s.Status == models.SessionActive:
		st.mu.Lock()
		st.s.Status = models.SessionStale
		snapshot := st.s
		st.mu.Unlock()
		log.Debug().Str("tenant", s.Tenant).Str("session", s.ID).Msg("Session went stale")
		m.bus.Emit(contracts.EventSessionStale, s.Tenant, s.ID, nil)
		m.persistWithRetry(snapshot)
	}
}

func (m *Manager) transitionDisconnected(st *sessionState, reason string) {
	st.mu.Lock()
	if st.s.Status == models.SessionDisconnected {
		st.mu.Unlock()
		return
	}
	st.s.Status = models.SessionDisconnected
	st.disconnectedAt = time.Now().UTC()
	snapshot := st.s
	st.mu.Unlock()

	log.Info().
		Str("tenant", snapshot.Tenant).
		Str("session", snapshot.ID).
		Str("reason", reason).
		Msg("Session disconnected")
	m.bus.Emit(contracts.EventSessionDisconnected, snapshot.Tenant, snapshot.ID, map[string]interface{}{
		"reason": reason,
	})
	m.persistWithRetry(snapshot)
}

// sweepRetention reclaims disconnected sessions whose retention window has
// passed: the mailbox drains to the DLQ and the identity is forgotten.
func (m *Manager) sweepRetention(now time.Time) {
	type expired struct {
		tenant string
		id     string
		st     *sessionState
	}
	var gone []expired

	m.mu.RLock()
	for tenant, byID := range m.sessions {
		for id, st := range byID {
			if st.expiredFor(now, m.opts.Retention) {
				gone = append(gone, expired{tenant: tenant, id: id, st: st})
			}
		}
	}
	m.mu.RUnlock()

	for _, e := range gone {
		m.reclaim(e.tenant, e.id, e.st)
	}
}

// reclaim forgets one expired session. A reconnect may have replaced the
// identity since the sweep collected it; only the exact state observed
// expired is reclaimed, never a successor registered under the same id.
func (m *Manager) reclaim(tenant, id string, st *sessionState) {
	m.mu.RLock()
	current := m.sessions[tenant][id]
	m.mu.RUnlock()
	if current != st || !st.expiredFor(time.Now().UTC(), m.opts.Retention) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	moved, err := m.drainToDLQ(ctx, tenant, id, "session_expired")
	if err != nil {
		log.Warn().Err(err).Str("session", id).Msg("Retention sweep: mailbox drain failed, will retry next tick")
		return
	}

	if err := m.store.Delete(ctx, tenant, store.KindSession, id); err != nil && !errs.IsKind(err, errs.KindNotFound) {
		log.Warn().Err(err).Str("session", id).Msg("Retention sweep: session record delete failed")
	}

	m.mu.Lock()
	if m.sessions[tenant][id] == st {
		delete(m.sessions[tenant], id)
	}
	m.mu.Unlock()

	log.Info().
		Str("tenant", tenant).
		Str("session", id).
		Int("dead_lettered", moved).
		Msg("Disconnected session reclaimed")
}

// persistWithRetry writes a session snapshot with bounded exponential
// backoff. Store trouble never terminates sessions.
func (m *Manager) persistWithRetry(s models.Session) {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return m.persistSnapshot(ctx, s)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, policy); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("Session persist failed after retries")
	}
}

// ── Internals ───────────────────────────────────────────────

func (m *Manager) state(tenant, id string) (*sessionState, error) {
	m.mu.RLock()
	st, ok := m.sessions[tenant][id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.E(errs.KindNotFound, "session %q not found in tenant %q", id, tenant)
	}
	return st, nil
}

func (st *sessionState) status() models.SessionStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Status
}

func (st *sessionState) capabilities() models.SessionCapabilities {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Capabilities
}

// expiredFor reports whether the session is disconnected with its
// retention window elapsed.
func (st *sessionState) expiredFor(now time.Time, retention time.Duration) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Status == models.SessionDisconnected &&
		!st.disconnectedAt.IsZero() &&
		now.Sub(st.disconnectedAt) >= retention
}

func (m *Manager) persist(ctx context.Context, st *sessionState) error {
	st.mu.Lock()
	snapshot := st.s
	st.mu.Unlock()
	return m.persistSnapshot(ctx, snapshot)
}

func (m *Manager) persistSnapshot(ctx context.Context, s models.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "marshal session")
	}
	return m.store.Put(ctx, s.Tenant, store.KindSession, s.ID, raw)
}

func (m *Manager) snapshotWithDepth(ctx context.Context, st *sessionState) models.Session {
	st.mu.Lock()
	s := st.s
	st.mu.Unlock()
	if depth, err := m.store.Depth(ctx, s.Tenant, store.KindMailbox, s.ID); err == nil {
		s.QueueDepth = depth
	}
	return s
}
