// AgentMesh broker — multi-tenant message broker for agent clients.
//
// The broker provides:
//   - Protocol registry (versioned payload schemas, cross-tenant sharing)
//   - Session manager (heartbeat liveness, per-session mailboxes)
//   - Capability negotiation (pairwise and N-way)
//   - Message routing (unicast, broadcast, opt-in cross-tenant)
//   - Tenant directory with API keys and audit trail
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/internal/config"
	"github.com/agentmesh/agentmesh/broker/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	log.Info().Str("version", cfg.Version).Msg("AgentMesh broker starting")

	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize broker")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown")
		}
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Port).Msg("AgentMesh broker listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
