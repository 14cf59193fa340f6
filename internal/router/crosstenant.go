package router

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// Auditor records cross-tenant hops and other administrative actions.
// Implemented by the tenant registry.
type Auditor interface {
	Record(ctx context.Context, ev models.AuditEvent) error
}

// SetAuditor wires the audit sink. Call during assembly, before traffic.
func (r *Router) SetAuditor(a Auditor) { r.auditor = a }

// SendCrossTenant routes a message from a session in the sender's tenant to
// a session in peer. Traffic flows only when both tenants have declared each
// other, the protocol is on both whitelists, and the pair's rate budget has
// room. Every hop is audited and stamped with its origin tenant.
func (r *Router) SendCrossTenant(ctx context.Context, msg models.Message, peer string) (*models.SendResult, error) {
	if r.tenants == nil {
		return nil, errs.E(errs.KindForbidden, "cross-tenant routing is not enabled")
	}
	if peer == msg.Tenant {
		return nil, errs.E(errs.KindValidation, "peer tenant equals sender tenant, use a direct send")
	}

	budget, err := r.crossTenantBudget(ctx, msg.Tenant, peer, msg.ProtocolName)
	if err != nil {
		return nil, err
	}
	if !r.pairLimiter(msg.Tenant, peer, budget).Allow() {
		return nil, errs.E(errs.KindRateLimited, "cross-tenant budget %s↔%s exhausted", msg.Tenant, peer).
			WithDetail("rate_per_minute", budget)
	}

	// Ingress checks run against the sender's tenant: its schema, its
	// sender rate bucket.
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

	recipient, err := r.sessions.Get(ctx, peer, msg.Recipient)
	if err != nil {
		return nil, err
	}
	if err := r.reconcileVersion(ctx, &msg, recipient); err != nil {
		return nil, err
	}

	origin := msg.Tenant
	msg.Headers.OriginTenant = origin
	msg.Tenant = peer

	result, err := r.deliver(ctx, msg, recipient)
	if err != nil {
		return nil, err
	}

	r.auditHop(ctx, origin, peer, msg, result.Status)
	r.bus.Emit(contracts.EventCrossTenantHop, origin, msg.Sender, map[string]interface{}{
		"peer":       peer,
		"recipient":  msg.Recipient,
		"protocol":   msg.ProtocolName,
		"message_id": msg.ID,
		"status":     string(result.Status),
	})
	return result, nil
}

// crossTenantBudget verifies the mutual declaration and returns the pair's
// rate budget, the smaller of the two declared limits.
func (r *Router) crossTenantBudget(ctx context.Context, from, to, protocol string) (int, error) {
	fromTenant, err := r.tenants.GetTenant(ctx, from)
	if err != nil {
		return 0, err
	}
	toTenant, err := r.tenants.GetTenant(ctx, to)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return 0, errs.E(errs.KindIsolationViolation, "no cross-tenant agreement between %s and %s", from, to)
		}
		return 0, err
	}
	if fromTenant.Status != models.TenantActive || toTenant.Status != models.TenantActive {
		return 0, errs.E(errs.KindForbidden, "cross-tenant traffic requires both tenants active")
	}

	outbound := fromTenant.Config.RuleFor(to)
	inbound := toTenant.Config.RuleFor(from)
	if outbound == nil || inbound == nil {
		// One-sided declarations are indistinguishable from none: the
		// sender never learns which side is missing.
		return 0, errs.E(errs.KindIsolationViolation, "no cross-tenant agreement between %s and %s", from, to)
	}

	if !ruleAllows(outbound, protocol) || !ruleAllows(inbound, protocol) {
		return 0, errs.E(errs.KindForbidden, "protocol %s is not on the %s↔%s whitelist", protocol, from, to).
			WithDetail("protocol", protocol)
	}

	budget := outbound.RatePerMinute
	if inbound.RatePerMinute < budget {
		budget = inbound.RatePerMinute
	}
	if budget <= 0 {
		return 0, errs.E(errs.KindForbidden, "cross-tenant rate budget between %s and %s is zero", from, to)
	}
	return budget, nil
}

func ruleAllows(rule *models.CrossTenantRule, protocol string) bool {
	for _, p := range rule.Protocols {
		if p == protocol || p == "*" {
			return true
		}
	}
	return false
}

// pairLimiter returns the token bucket for an unordered tenant pair,
// rebuilding it when the configured budget changed.
func (r *Router) pairLimiter(a, b string, perMin int) *rate.Limiter {
	if b < a {
		a, b = b, a
	}
	key := a + "|" + b

	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.pairs[key]
	if !ok || r.pairRate[key] != perMin {
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		r.pairs[key] = lim
		r.pairRate[key] = perMin
	}
	return lim
}

// auditHop writes the hop into both tenants' audit trails. Audit failures
// are logged, not fatal: the message is already delivered.
func (r *Router) auditHop(ctx context.Context, from, to string, msg models.Message, status models.DeliveryStatus) {
	if r.auditor == nil {
		return
	}
	for _, tenant := range []string{from, to} {
		ev := models.AuditEvent{
			Tenant: tenant,
			Actor:  msg.Sender,
			Action: "cross_tenant_message",
			Target: msg.Recipient,
			Details: map[string]interface{}{
				"from_tenant": from,
				"to_tenant":   to,
				"protocol":    msg.ProtocolName,
				"version":     msg.ProtocolVersion,
				"message_id":  msg.ID,
				"status":      string(status),
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := r.auditor.Record(ctx, ev); err != nil {
			log.Warn().Err(err).Str("tenant", tenant).Msg("Cross-tenant audit write failed")
		}
	}
}
