// Package tenants owns the tenant directory and its credentials: project
// records with quotas and cross-tenant rules, API key minting and rotation,
// and the per-tenant audit trail. Tenant and key records live in the
// reserved system namespace so they are visible across the broker without
// weakening client tenant isolation.
package tenants

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/internal/registry"
	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// SessionGuard answers whether a tenant still has live traffic. Implemented
// by the session manager; consulted before deactivation.
type SessionGuard interface {
	HasLiveSessions(tenant string) bool
	HasPendingMail(ctx context.Context, tenant string) (bool, error)
}

// Registry manages tenant records and their API keys.
type Registry struct {
	store store.Store
	guard SessionGuard
}

// New creates a tenant registry over the given store.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// SetSessionGuard wires the deactivation guard. Called during assembly.
func (r *Registry) SetSessionGuard(g SessionGuard) { r.guard = g }

// ── CRUD ────────────────────────────────────────────────────

// Create registers a tenant. IDs are slugs; the system namespace is
// reserved and cannot be claimed.
func (r *Registry) Create(ctx context.Context, id, name, description string, cfg models.TenantConfig) (*models.Tenant, error) {
	if id == registry.SystemTenant {
		return nil, errs.E(errs.KindValidation, "tenant id %q is reserved", id)
	}
	if !models.ValidSlug(id) {
		return nil, errs.E(errs.KindValidation, "tenant id %q is not a valid slug", id)
	}
	if name == "" {
		name = id
	}

	if _, err := r.store.Get(ctx, registry.SystemTenant, store.KindTenant, id); err == nil {
		return nil, errs.E(errs.KindConflict, "tenant %q already exists", id)
	} else if !errs.IsKind(err, errs.KindNotFound) {
		return nil, err
	}

	tenant := &models.Tenant{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      models.TenantActive,
		Config:      cfg,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.put(ctx, tenant); err != nil {
		return nil, err
	}

	log.Info().Str("tenant", id).Msg("Tenant created")
	return tenant, nil
}

// GetTenant returns the tenant record. Also satisfies the router's tenant
// resolver.
func (r *Registry) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	raw, err := r.store.Get(ctx, registry.SystemTenant, store.KindTenant, id)
	if err != nil {
		return nil, err
	}
	var tenant models.Tenant
	if err := json.Unmarshal(raw, &tenant); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode tenant %s", id)
	}
	return &tenant, nil
}

// ListFilter narrows a tenant listing.
type ListFilter struct {
	Status models.TenantStatus // empty matches all
	// DiscoverableOnly hides tenants that opted out of the public
	// directory. Admin listings pass false.
	DiscoverableOnly bool
}

// List returns tenants sorted by id.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]models.Tenant, error) {
	recs, err := r.store.List(ctx, registry.SystemTenant, store.KindTenant)
	if err != nil {
		return nil, err
	}
	out := make([]models.Tenant, 0, len(recs))
	for _, rec := range recs {
		var tenant models.Tenant
		if err := json.Unmarshal(rec.Value, &tenant); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "decode tenant %s", rec.ID)
		}
		if filter.Status != "" && tenant.Status != filter.Status {
			continue
		}
		if filter.DiscoverableOnly && !tenant.Config.Discoverable {
			continue
		}
		out = append(out, tenant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateConfig replaces a tenant's quotas and cross-tenant rules.
func (r *Registry) UpdateConfig(ctx context.Context, id string, cfg models.TenantConfig) (*models.Tenant, error) {
	tenant, err := r.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	tenant.Config = cfg
	if err := r.put(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// TouchActivity stamps the tenant's last-activity time. Failures are
// logged; activity tracking never blocks the data plane.
func (r *Registry) TouchActivity(ctx context.Context, id string) {
	tenant, err := r.GetTenant(ctx, id)
	if err != nil {
		return
	}
	tenant.LastActivity = time.Now().UTC()
	if err := r.put(ctx, tenant); err != nil {
		log.Debug().Err(err).Str("tenant", id).Msg("Activity stamp failed")
	}
}

// Deactivate marks a tenant inactive. Refused while the tenant has live
// sessions or undrained mailboxes; drain first, then deactivate.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	tenant, err := r.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if tenant.Status == models.TenantInactive {
		return nil
	}

	if r.guard != nil {
		if r.guard.HasLiveSessions(id) {
			return errs.E(errs.KindConflict, "tenant %s has live sessions", id)
		}
		pending, err := r.guard.HasPendingMail(ctx, id)
		if err != nil {
			return err
		}
		if pending {
			return errs.E(errs.KindConflict, "tenant %s has undrained mailboxes", id)
		}
	}

	tenant.Status = models.TenantInactive
	if err := r.put(ctx, tenant); err != nil {
		return err
	}
	log.Info().Str("tenant", id).Msg("Tenant deactivated")
	return nil
}

// Quotas returns the tenant's session and mailbox limits (0 = default).
// Satisfies the session manager's quota resolver.
func (r *Registry) Quotas(ctx context.Context, id string) (maxSessions, maxMailboxDepth int) {
	tenant, err := r.GetTenant(ctx, id)
	if err != nil {
		return 0, 0
	}
	return tenant.Config.MaxSessions, tenant.Config.MaxMailboxDepth
}

func (r *Registry) put(ctx context.Context, tenant *models.Tenant) error {
	raw, err := json.Marshal(tenant)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "marshal tenant")
	}
	return r.store.Put(ctx, registry.SystemTenant, store.KindTenant, tenant.ID, raw)
}
