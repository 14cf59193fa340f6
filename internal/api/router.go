package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentmesh/agentmesh/broker/internal/events"
	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/internal/tools"
	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// Deps are the components the transport exposes.
type Deps struct {
	Facade  *tools.Facade
	Bus     *events.Bus
	Store   store.Store
	Auth    contracts.AuthProviderChain
	Version string
}

// NewRouter builds the chi route table. Health and version are open;
// everything under /v1 requires authentication.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
	}))

	h := &handlers{deps: d}

	r.Get("/healthz", h.health)
	r.Get("/version", h.version)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(d.Auth))

		r.Route("/protocols", func(r chi.Router) {
			r.Post("/", h.registerProtocol)
			r.Get("/", h.discoverProtocols)
			r.Delete("/{name}/{version}", h.deleteProtocol)
			r.Post("/{name}/{version}/share", h.shareProtocol)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.connectSession)
			r.Get("/", h.listSessions)
			r.Post("/{id}/heartbeat", h.heartbeat)
			r.Post("/{id}/drain", h.drainMailbox)
			r.Delete("/{id}", h.disconnectSession)
		})

		r.Post("/negotiate", h.negotiate)

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.sendMessage)
			r.Post("/broadcast", h.broadcastMessage)
		})
		r.Get("/dlq", h.listDeadLetters)

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", h.createProject)
			r.Get("/", h.listProjects)
			r.Get("/{id}", h.getProjectInfo)
			r.Post("/{id}/keys/rotate", h.rotateProjectKeys)
		})

		r.Get("/events", h.streamEvents)
	})

	return r
}

type handlers struct {
	deps Deps
}

// ── Meta ────────────────────────────────────────────────────

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		// Degraded is still serving, just from memory.
		status["status"] = "degraded"
		status["store"] = err.Error()
	}
	writeJSON(w, code, status)
}

func (h *handlers) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.deps.Version})
}

// ── Protocols ───────────────────────────────────────────────

func (h *handlers) registerProtocol(w http.ResponseWriter, r *http.Request) {
	var req tools.RegisterProtocolRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	info, err := h.deps.Facade.RegisterProtocol(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *handlers) discoverProtocols(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := tools.DiscoverProtocolsRequest{
		Name:          q.Get("name"),
		VersionRange:  q.Get("version_range"),
		IncludeShared: q.Get("include_shared") == "true",
	}
	if tags, ok := q["tag"]; ok {
		req.Tags = tags
	}
	infos, err := h.deps.Facade.DiscoverProtocols(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *handlers) deleteProtocol(w http.ResponseWriter, r *http.Request) {
	req := tools.DeleteProtocolRequest{
		Name:    chi.URLParam(r, "name"),
		Version: chi.URLParam(r, "version"),
	}
	if err := h.deps.Facade.DeleteProtocol(r.Context(), AuthFrom(r.Context()), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *handlers) shareProtocol(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Shared bool `json:"shared"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req := tools.ShareProtocolRequest{
		Name:    chi.URLParam(r, "name"),
		Version: chi.URLParam(r, "version"),
		Shared:  body.Shared,
	}
	if err := h.deps.Facade.ShareProtocol(r.Context(), AuthFrom(r.Context()), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"shared": body.Shared})
}

// ── Sessions ────────────────────────────────────────────────

func (h *handlers) connectSession(w http.ResponseWriter, r *http.Request) {
	var req tools.ConnectSessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, err := h.deps.Facade.ConnectSession(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := tools.ListSessionsRequest{
		IncludeCapabilities: q.Get("include_capabilities") == "true",
		AllTenants:          q.Get("all_tenants") == "true",
	}
	if s := q.Get("status"); s != "" {
		req.Status = models.SessionStatus(s)
	}
	sessions, err := h.deps.Facade.ListSessions(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	req := tools.HeartbeatRequest{SessionID: chi.URLParam(r, "id")}
	if err := h.deps.Facade.Heartbeat(r.Context(), AuthFrom(r.Context()), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) drainMailbox(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Max int `json:"max"`
	}
	_ = decode(r, &body) // empty body drains everything
	req := tools.DrainMailboxRequest{SessionID: chi.URLParam(r, "id"), Max: body.Max}
	messages, err := h.deps.Facade.DrainMailbox(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *handlers) disconnectSession(w http.ResponseWriter, r *http.Request) {
	req := tools.DisconnectSessionRequest{SessionID: chi.URLParam(r, "id")}
	if err := h.deps.Facade.DisconnectSession(r.Context(), AuthFrom(r.Context()), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ── Negotiation ─────────────────────────────────────────────

func (h *handlers) negotiate(w http.ResponseWriter, r *http.Request) {
	var req tools.NegotiateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.deps.Facade.NegotiateCapabilities(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Messaging ───────────────────────────────────────────────

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req tools.SendMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.deps.Facade.SendMessage(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) broadcastMessage(w http.ResponseWriter, r *http.Request) {
	var req tools.BroadcastMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.deps.Facade.BroadcastMessage(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Facade.ListDeadLetters(r.Context(), AuthFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ── Projects ────────────────────────────────────────────────

func (h *handlers) createProject(w http.ResponseWriter, r *http.Request) {
	var req tools.CreateProjectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.deps.Facade.CreateProject(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handlers) listProjects(w http.ResponseWriter, r *http.Request) {
	req := tools.ListProjectsRequest{}
	if s := r.URL.Query().Get("status"); s != "" {
		req.Status = models.TenantStatus(s)
	}
	projects, err := h.deps.Facade.ListProjects(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *handlers) getProjectInfo(w http.ResponseWriter, r *http.Request) {
	project, err := h.deps.Facade.GetProjectInfo(r.Context(), AuthFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *handlers) rotateProjectKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		KeyID        string `json:"key_id"`
		GraceSeconds int    `json:"grace_period_seconds"`
	}
	_ = decode(r, &body) // empty body rotates all keys with default grace
	req := tools.RotateProjectKeysRequest{
		ProjectID: chi.URLParam(r, "id"),
		KeyID:     body.KeyID,
	}
	if body.GraceSeconds > 0 {
		req.GracePeriod = time.Duration(body.GraceSeconds) * time.Second
	}
	rotated, err := h.deps.Facade.RotateProjectKeys(r.Context(), AuthFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rotated)
}

// ── Events (SSE) ────────────────────────────────────────────

// streamEvents pushes the caller tenant's broker events as server-sent
// events until the client goes away.
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}

	auth := AuthFrom(r.Context())
	tenant := auth.TenantID
	if auth.IsAdmin() && r.URL.Query().Get("all_tenants") == "true" {
		tenant = ""
	}

	ch, cancel := h.deps.Bus.Subscribe(tenant)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
