// Package api is the HTTP transport: a thin chi router that maps routes
// onto the tool façade one to one. All policy lives in the core; handlers
// only decode, delegate, and encode.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
)

type ctxKey int

const authCtxKey ctxKey = iota

// AuthFrom returns the AuthContext attached by the auth middleware.
func AuthFrom(ctx context.Context) *contracts.AuthContext {
	auth, _ := ctx.Value(authCtxKey).(*contracts.AuthContext)
	return auth
}

// authMiddleware runs the provider chain and attaches the resulting
// identity to the request context.
func authMiddleware(chain contracts.AuthProviderChain) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, err := chain.Authenticate(r.Context(), r)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), authCtxKey, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
