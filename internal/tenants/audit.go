package tenants

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// Record appends an audit event to its tenant's trail. The trail is
// append-only; entries are never rewritten.
func (r *Registry) Record(ctx context.Context, ev models.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "marshal audit event")
	}
	// Prefix the id with a sortable timestamp so List returns the trail
	// in rough chronological order.
	id := ev.CreatedAt.UTC().Format("20060102T150405.000000000") + "." + ev.ID
	return r.store.Put(ctx, ev.Tenant, store.KindAudit, id, raw)
}

// AuditTrail returns the tenant's audit events, oldest first.
func (r *Registry) AuditTrail(ctx context.Context, tenant string) ([]models.AuditEvent, error) {
	recs, err := r.store.List(ctx, tenant, store.KindAudit)
	if err != nil {
		return nil, err
	}
	out := make([]models.AuditEvent, 0, len(recs))
	for _, rec := range recs {
		var ev models.AuditEvent
		if err := json.Unmarshal(rec.Value, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
