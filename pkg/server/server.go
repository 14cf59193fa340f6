// Package server assembles the broker: store, event bus, protocol
// registry, tenant directory, session manager, router, and the HTTP
// transport, wired in dependency order and torn down in reverse.
package server

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/internal/api"
	"github.com/agentmesh/agentmesh/broker/internal/auth"
	"github.com/agentmesh/agentmesh/broker/internal/config"
	"github.com/agentmesh/agentmesh/broker/internal/events"
	"github.com/agentmesh/agentmesh/broker/internal/negotiate"
	"github.com/agentmesh/agentmesh/broker/internal/registry"
	"github.com/agentmesh/agentmesh/broker/internal/router"
	"github.com/agentmesh/agentmesh/broker/internal/sessions"
	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/internal/telemetry"
	"github.com/agentmesh/agentmesh/broker/internal/tenants"
	"github.com/agentmesh/agentmesh/broker/internal/tools"
	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// Server is the assembled broker.
type Server struct {
	Port    int
	Handler http.Handler

	Store    store.Store
	Bus      *events.Bus
	Registry *registry.Registry
	Tenants  *tenants.Registry
	Sessions *sessions.Manager
	Router   *router.Router
	Facade   *tools.Facade

	telemetryShutdown telemetry.Shutdown
}

// New builds the broker from configuration. Components come up in
// dependency order; a failure anywhere aborts startup.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()

	st, err := buildStore(cfg, bus)
	if err != nil {
		return nil, err
	}

	reg := registry.New(st)
	tenantReg := tenants.New(st)

	mgr := sessions.NewManager(st, bus, sessions.Options{
		TickInterval:        cfg.Sessions.HeartbeatInterval,
		StaleThreshold:      cfg.Sessions.StaleThreshold,
		DisconnectThreshold: cfg.Sessions.DisconnectThreshold,
		Retention:           cfg.Sessions.Retention,
		MailboxCapacity:     cfg.Mailbox.Capacity,
		WarningRatio:        cfg.Mailbox.WarningRatio,
	})
	mgr.SetQuotaResolver(tenantReg.Quotas)
	reg.SetReferenceChecker(mgr)
	tenantReg.SetSessionGuard(mgr)

	negotiator := negotiate.New()

	var resolver router.TenantResolver
	if cfg.Router.EnableCrossTenant {
		resolver = tenantReg
	}
	rt := router.New(reg, mgr, resolver, bus, router.Options{
		MaxPayloadBytes:     cfg.Router.MaxPayloadBytes,
		SenderRatePerMinute: cfg.Router.SenderRatePerMinute,
	})
	rt.SetAuditor(tenantReg)

	facade := tools.New(reg, mgr, negotiator, rt, tenantReg)

	if err := seedDefaultTenant(ctx, tenantReg, cfg.DefaultTenantID); err != nil {
		return nil, err
	}
	if err := restoreSessions(ctx, mgr, tenantReg); err != nil {
		return nil, err
	}
	mgr.Start()

	chain := auth.NewChain()
	chain.RegisterProvider(auth.NewAdminTokenProvider(cfg.AdminToken, cfg.DefaultTenantID))
	chain.RegisterProvider(auth.NewAPIKeyProvider(tenantReg))

	handler := api.NewRouter(api.Deps{
		Facade:  facade,
		Bus:     bus,
		Store:   st,
		Auth:    chain,
		Version: cfg.Version,
	})

	return &Server{
		Port:              cfg.Port,
		Handler:           handler,
		Store:             st,
		Bus:               bus,
		Registry:          reg,
		Tenants:           tenantReg,
		Sessions:          mgr,
		Router:            rt,
		Facade:            facade,
		telemetryShutdown: telemetryShutdown,
	}, nil
}

// Shutdown tears the broker down in reverse assembly order.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.Sessions.Close(); err != nil {
		log.Warn().Err(err).Msg("Session manager shutdown")
	}
	s.Bus.Close()
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store shutdown")
	}
	if err := s.telemetryShutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown")
	}
}

// buildStore selects the backend. The remote backend always runs behind
// the failover wrapper so a Redis outage degrades instead of failing.
func buildStore(cfg *config.Config, bus *events.Bus) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemoryStore(cfg.Store.SpillDir), nil
	case "remote":
		primary := store.NewRedisStore(cfg.Store.Endpoint)
		failover := store.NewFailoverStore(primary, cfg.Store.SpillDir)
		failover.OnTransition = func(degraded bool) {
			if degraded {
				bus.Emit(contracts.EventStoreDegraded, "", "", nil)
			} else {
				bus.Emit(contracts.EventStoreRecovered, "", "", nil)
			}
		}
		return failover, nil
	default:
		return nil, errs.E(errs.KindValidation, "unknown store backend %q", cfg.Store.Backend)
	}
}

// seedDefaultTenant provisions the configured default tenant on first
// start so a fresh broker is usable without an admin round-trip.
func seedDefaultTenant(ctx context.Context, reg *tenants.Registry, id string) error {
	if id == "" {
		return nil
	}
	_, err := reg.Create(ctx, id, id, "default project", models.TenantConfig{Discoverable: true})
	if errs.IsKind(err, errs.KindConflict) {
		return nil
	}
	return err
}

// restoreSessions reloads persisted session records for every known tenant.
func restoreSessions(ctx context.Context, mgr *sessions.Manager, reg *tenants.Registry) error {
	list, err := reg.List(ctx, tenants.ListFilter{})
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(list))
	for _, t := range list {
		ids = append(ids, t.ID)
	}
	return mgr.Restore(ctx, ids)
}
