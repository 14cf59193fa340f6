// Package contracts — the boundary types between the transport layer and
// the broker core. The transport authenticates callers and attaches an
// immutable AuthContext; the core never inspects credentials itself.
package contracts

import (
	"context"
	"net/http"
)

// ── AuthContext ─────────────────────────────────────────────

// ActorKind distinguishes human operators from agent processes.
type ActorKind string

const (
	ActorHuman ActorKind = "human"
	ActorAgent ActorKind = "agent"
)

// AuthContext is the authenticated identity attached to every invocation.
// It is immutable once attached; handlers and the tool façade read it, the
// auth middleware writes it exactly once.
type AuthContext struct {
	// TenantID is the tenant the caller belongs to. All operations are
	// scoped to it unless the caller is an administrator acting explicitly
	// across tenants.
	TenantID string `json:"tenant_id"`

	// ActorID identifies the caller (agent UUID or operator subject).
	ActorID string `json:"actor_id"`

	// ActorKind is "human" or "agent".
	ActorKind ActorKind `json:"actor_kind"`

	// Capabilities are the scopes granted to the caller's credential.
	// The "admin" capability unlocks tenant management and explicit
	// cross-tenant listing.
	Capabilities []string `json:"capabilities,omitempty"`
}

// HasCapability reports whether the context carries the named capability.
func (a *AuthContext) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the caller may perform administrative operations.
func (a *AuthContext) IsAdmin() bool { return a.HasCapability("admin") }

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an AuthContext.
//
// The chain pattern:
//   - Return (*AuthContext, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. "apikey").
	Name() string

	// Authenticate inspects the request and returns an AuthContext.
	Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// AuthProviderChain tries providers in priority order until one returns an
// AuthContext.
type AuthProviderChain interface {
	Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error)
	RegisterProvider(provider AuthProvider)
}
