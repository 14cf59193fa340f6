package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/agentmesh/agentmesh/broker/internal/tenants"
	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
)

// ── API key provider ────────────────────────────────────────

// APIKeyProvider authenticates agent API keys minted by the tenant
// registry. It accepts the key as a bearer token or in X-API-Key.
type APIKeyProvider struct {
	tenants *tenants.Registry
}

// NewAPIKeyProvider creates the provider over the tenant registry.
func NewAPIKeyProvider(reg *tenants.Registry) *APIKeyProvider {
	return &APIKeyProvider{tenants: reg}
}

func (p *APIKeyProvider) Name() string  { return "apikey" }
func (p *APIKeyProvider) Enabled() bool { return p.tenants != nil }

// Authenticate resolves the presented key to its tenant and agent. Requests
// without an agent-key-shaped credential pass to the next provider.
func (p *APIKeyProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.AuthContext, error) {
	clear := extractCredential(r)
	if !strings.HasPrefix(clear, "sk_agent_v1_") {
		return nil, nil
	}

	key, tenant, err := p.tenants.Authenticate(ctx, clear)
	if err != nil {
		return nil, err
	}
	return &contracts.AuthContext{
		TenantID:     tenant.ID,
		ActorID:      key.AgentID,
		ActorKind:    contracts.ActorAgent,
		Capabilities: key.Capabilities,
	}, nil
}

// ── Admin token provider ────────────────────────────────────

// AdminTokenProvider authenticates the operator token configured at
// deployment. Admin calls carry the full capability set, including
// explicit cross-tenant listing.
type AdminTokenProvider struct {
	token  string
	tenant string // tenant the operator acts in by default
}

// NewAdminTokenProvider creates the provider. An empty token disables it.
func NewAdminTokenProvider(token, defaultTenant string) *AdminTokenProvider {
	return &AdminTokenProvider{token: token, tenant: defaultTenant}
}

func (p *AdminTokenProvider) Name() string  { return "admin-token" }
func (p *AdminTokenProvider) Enabled() bool { return p.token != "" }

func (p *AdminTokenProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.AuthContext, error) {
	clear := extractCredential(r)
	if clear == "" || strings.HasPrefix(clear, "sk_agent_v1_") {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(clear), []byte(p.token)) != 1 {
		return nil, nil
	}
	return &contracts.AuthContext{
		TenantID:     p.tenant,
		ActorID:      "operator",
		ActorKind:    contracts.ActorHuman,
		Capabilities: []string{"admin"},
	}, nil
}

// extractCredential pulls the credential from Authorization: Bearer or
// X-API-Key, in that order.
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
