// Package auth implements the provider chain that turns HTTP credentials
// into an AuthContext. Providers are tried in registration order; the
// first one that recognizes its credential decides.
package auth

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
)

// Chain is the default AuthProviderChain.
type Chain struct {
	providers []contracts.AuthProvider
}

// NewChain creates an empty provider chain.
func NewChain() *Chain {
	return &Chain{}
}

// RegisterProvider appends a provider. Disabled providers are skipped at
// registration so the request path never re-checks.
func (c *Chain) RegisterProvider(provider contracts.AuthProvider) {
	if !provider.Enabled() {
		log.Debug().Str("provider", provider.Name()).Msg("Auth provider disabled, not registered")
		return
	}
	c.providers = append(c.providers, provider)
	log.Info().Str("provider", provider.Name()).Msg("Auth provider registered")
}

// Authenticate walks the chain. A provider returning (nil, nil) passes the
// request on; the first AuthContext or error wins. An empty or exhausted
// chain rejects with a generic error that leaks nothing about why.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) (*contracts.AuthContext, error) {
	for _, provider := range c.providers {
		authCtx, err := provider.Authenticate(ctx, r)
		if err != nil {
			return nil, err
		}
		if authCtx != nil {
			return authCtx, nil
		}
	}
	return nil, errs.E(errs.KindUnauthorized, "authentication required")
}
