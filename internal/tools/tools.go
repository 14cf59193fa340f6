// Package tools is the broker's invocation surface: one method per
// operation a client can call, independent of transport. The façade
// validates request shapes, enforces the caller's tenant scope, and
// delegates to the owning component.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/agentmesh/agentmesh/broker/internal/negotiate"
	"github.com/agentmesh/agentmesh/broker/internal/registry"
	"github.com/agentmesh/agentmesh/broker/internal/router"
	"github.com/agentmesh/agentmesh/broker/internal/sessions"
	"github.com/agentmesh/agentmesh/broker/internal/tenants"
	"github.com/agentmesh/agentmesh/broker/pkg/contracts"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// Facade bundles the broker components behind the tool surface.
type Facade struct {
	registry   *registry.Registry
	sessions   *sessions.Manager
	negotiator *negotiate.Negotiator
	router     *router.Router
	tenants    *tenants.Registry

	validate *validator.Validate
}

// New assembles the façade.
func New(reg *registry.Registry, mgr *sessions.Manager, neg *negotiate.Negotiator, rt *router.Router, tr *tenants.Registry) *Facade {
	return &Facade{
		registry:   reg,
		sessions:   mgr,
		negotiator: neg,
		router:     rt,
		tenants:    tr,
		validate:   validator.New(),
	}
}

// check runs struct validation and normalizes the error kind.
func (f *Facade) check(req interface{}) error {
	if err := f.validate.Struct(req); err != nil {
		return errs.Wrap(errs.KindValidation, err, "invalid request")
	}
	return nil
}

// ── Protocols ───────────────────────────────────────────────

// RegisterProtocolRequest registers a versioned message schema.
type RegisterProtocolRequest struct {
	Name         string                      `json:"name" validate:"required"`
	Version      string                      `json:"version" validate:"required"`
	Schema       json.RawMessage             `json:"schema" validate:"required"`
	Capabilities []models.ProtocolCapability `json:"capabilities" validate:"required,min=1"`
	Metadata     models.ProtocolMetadata     `json:"metadata"`
}

func (f *Facade) RegisterProtocol(ctx context.Context, auth *contracts.AuthContext, req RegisterProtocolRequest) (*models.ProtocolInfo, error) {
	if err := f.check(req); err != nil {
		return nil, err
	}
	def := &models.ProtocolDefinition{
		Name:         req.Name,
		Version:      req.Version,
		Schema:       req.Schema,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	}
	info, err := f.registry.Register(ctx, auth.TenantID, def)
	if err != nil {
		return nil, err
	}
	f.tenants.TouchActivity(ctx, auth.TenantID)
	return info, nil
}

// DiscoverProtocolsRequest filters the caller's visible protocols.
type DiscoverProtocolsRequest struct {
	Name          string   `json:"name,omitempty"`
	VersionRange  string   `json:"version_range,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	IncludeShared bool     `json:"include_shared,omitempty"`
}

func (f *Facade) DiscoverProtocols(ctx context.Context, auth *contracts.AuthContext, req DiscoverProtocolsRequest) ([]models.ProtocolInfo, error) {
	return f.registry.Discover(ctx, auth.TenantID, registry.DiscoverQuery{
		Name:          req.Name,
		VersionRange:  req.VersionRange,
		Tags:          req.Tags,
		IncludeShared: req.IncludeShared,
	})
}

// DeleteProtocolRequest removes an unreferenced protocol version.
type DeleteProtocolRequest struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version" validate:"required"`
}

func (f *Facade) DeleteProtocol(ctx context.Context, auth *contracts.AuthContext, req DeleteProtocolRequest) error {
	if err := f.check(req); err != nil {
		return err
	}
	if err := f.registry.AssertOwner(ctx, auth.TenantID, req.Name, req.Version); err != nil {
		return err
	}
	return f.registry.Delete(ctx, auth.TenantID, req.Name, req.Version)
}

// ShareProtocolRequest opts a protocol into cross-tenant discovery.
type ShareProtocolRequest struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version" validate:"required"`
	Shared  bool   `json:"shared"`
}

func (f *Facade) ShareProtocol(ctx context.Context, auth *contracts.AuthContext, req ShareProtocolRequest) error {
	if err := f.check(req); err != nil {
		return err
	}
	if err := f.registry.AssertOwner(ctx, auth.TenantID, req.Name, req.Version); err != nil {
		return err
	}
	if req.Shared {
		return f.registry.Share(ctx, auth.TenantID, req.Name, req.Version)
	}
	return f.registry.Unshare(ctx, auth.TenantID, req.Name, req.Version)
}

// ── Sessions ────────────────────────────────────────────────

// ConnectSessionRequest registers (or re-registers) a session.
type ConnectSessionRequest struct {
	SessionID    string                     `json:"session_id,omitempty"`
	Capabilities models.SessionCapabilities `json:"capabilities"`
}

func (f *Facade) ConnectSession(ctx context.Context, auth *contracts.AuthContext, req ConnectSessionRequest) (*models.Session, error) {
	session, err := f.sessions.Connect(ctx, auth.TenantID, req.SessionID, req.Capabilities)
	if err != nil {
		return nil, err
	}
	f.tenants.TouchActivity(ctx, auth.TenantID)
	return session, nil
}

// HeartbeatRequest refreshes a session's liveness.
type HeartbeatRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

func (f *Facade) Heartbeat(ctx context.Context, auth *contracts.AuthContext, req HeartbeatRequest) error {
	if err := f.check(req); err != nil {
		return err
	}
	return f.sessions.Heartbeat(ctx, auth.TenantID, req.SessionID)
}

// DisconnectSessionRequest closes a session cleanly.
type DisconnectSessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

func (f *Facade) DisconnectSession(ctx context.Context, auth *contracts.AuthContext, req DisconnectSessionRequest) error {
	if err := f.check(req); err != nil {
		return err
	}
	return f.sessions.Disconnect(ctx, auth.TenantID, req.SessionID, "client_disconnect")
}

// ListSessionsRequest lists sessions. AllTenants requires the admin
// capability and is audited.
type ListSessionsRequest struct {
	Status              models.SessionStatus `json:"status,omitempty"`
	IncludeCapabilities bool                 `json:"include_capabilities,omitempty"`
	AllTenants          bool                 `json:"all_tenants,omitempty"`
}

func (f *Facade) ListSessions(ctx context.Context, auth *contracts.AuthContext, req ListSessionsRequest) ([]models.Session, error) {
	filter := sessions.ListFilter{Status: req.Status, IncludeCapabilities: req.IncludeCapabilities}
	if !req.AllTenants {
		return f.sessions.List(ctx, auth.TenantID, filter)
	}

	if !auth.IsAdmin() {
		return nil, errs.E(errs.KindForbidden, "cross-tenant session listing requires admin")
	}
	_ = f.tenants.Record(ctx, models.AuditEvent{
		Tenant: auth.TenantID,
		Actor:  auth.ActorID,
		Action: "list_sessions_all_tenants",
	})

	var out []models.Session
	for _, tenant := range f.sessions.Tenants() {
		list, err := f.sessions.List(ctx, tenant, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	return out, nil
}

// DrainMailboxRequest pulls queued messages for a session.
type DrainMailboxRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Max       int    `json:"max,omitempty"` // <= 0 drains everything
}

func (f *Facade) DrainMailbox(ctx context.Context, auth *contracts.AuthContext, req DrainMailboxRequest) ([]models.Message, error) {
	if err := f.check(req); err != nil {
		return nil, err
	}
	return f.sessions.Drain(ctx, auth.TenantID, req.SessionID, req.Max)
}

// ── Negotiation ─────────────────────────────────────────────

// NegotiateRequest computes compatibility across the named sessions.
// Required protocols are exact (name, version) pairs; any participant
// lacking one fails the negotiation outright.
type NegotiateRequest struct {
	SessionIDs        []string                     `json:"session_ids" validate:"required,min=2"`
	RequiredProtocols []models.ProtocolRequirement `json:"required_protocols,omitempty"`
	Pairwise          bool                         `json:"pairwise,omitempty"`
}

// NegotiateResponse returns either the N-way result or the pairwise matrix.
type NegotiateResponse struct {
	Result *models.NegotiationResult `json:"result,omitempty"`
	Matrix *models.PairwiseMatrix    `json:"matrix,omitempty"`
}

func (f *Facade) NegotiateCapabilities(ctx context.Context, auth *contracts.AuthContext, req NegotiateRequest) (*NegotiateResponse, error) {
	if err := f.check(req); err != nil {
		return nil, err
	}
	participants := make([]models.Session, 0, len(req.SessionIDs))
	for _, id := range req.SessionIDs {
		s, err := f.sessions.Get(ctx, auth.TenantID, id)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *s)
	}

	if req.Pairwise {
		matrix, err := f.negotiator.Matrix(participants, req.RequiredProtocols)
		if err != nil {
			return nil, err
		}
		return &NegotiateResponse{Matrix: matrix}, nil
	}
	result, err := f.negotiator.Negotiate(participants, req.RequiredProtocols)
	if err != nil {
		return nil, err
	}
	return &NegotiateResponse{Result: result}, nil
}

// ── Messaging ───────────────────────────────────────────────

// SendMessageRequest routes one message to one recipient.
type SendMessageRequest struct {
	Sender          string                `json:"sender_session" validate:"required"`
	Recipient       string                `json:"recipient_session" validate:"required"`
	ProtocolName    string                `json:"protocol_name" validate:"required"`
	ProtocolVersion string                `json:"protocol_version" validate:"required"`
	Payload         json.RawMessage       `json:"payload" validate:"required"`
	Headers         models.MessageHeaders `json:"headers"`

	// PeerTenant routes across tenants; both sides must have opted in.
	PeerTenant string `json:"peer_tenant,omitempty"`
}

func (f *Facade) SendMessage(ctx context.Context, auth *contracts.AuthContext, req SendMessageRequest) (*models.SendResult, error) {
	if err := f.check(req); err != nil {
		return nil, err
	}
	msg := models.Message{
		Sender:          req.Sender,
		Recipient:       req.Recipient,
		Tenant:          auth.TenantID,
		ProtocolName:    req.ProtocolName,
		ProtocolVersion: req.ProtocolVersion,
		Payload:         req.Payload,
		Headers:         req.Headers,
	}
	if req.PeerTenant != "" {
		return f.router.SendCrossTenant(ctx, msg, req.PeerTenant)
	}
	return f.router.Send(ctx, msg)
}

// BroadcastMessageRequest fans a message out within the caller's tenant.
type BroadcastMessageRequest struct {
	Sender          string                 `json:"sender_session" validate:"required"`
	ProtocolName    string                 `json:"protocol_name" validate:"required"`
	ProtocolVersion string                 `json:"protocol_version" validate:"required"`
	Payload         json.RawMessage        `json:"payload" validate:"required"`
	Headers         models.MessageHeaders  `json:"headers"`
	Feature         string                 `json:"feature,omitempty"`
	Statuses        []models.SessionStatus `json:"statuses,omitempty"`
}

func (f *Facade) BroadcastMessage(ctx context.Context, auth *contracts.AuthContext, req BroadcastMessageRequest) (*models.BroadcastSummary, error) {
	if err := f.check(req); err != nil {
		return nil, err
	}
	msg := models.Message{
		Sender:          req.Sender,
		Tenant:          auth.TenantID,
		ProtocolName:    req.ProtocolName,
		ProtocolVersion: req.ProtocolVersion,
		Payload:         req.Payload,
		Headers:         req.Headers,
	}
	return f.router.Broadcast(ctx, msg, router.BroadcastFilter{
		Feature:  req.Feature,
		Statuses: req.Statuses,
	})
}

// ListDeadLetters returns the caller tenant's DLQ.
func (f *Facade) ListDeadLetters(ctx context.Context, auth *contracts.AuthContext) ([]models.DLQEntry, error) {
	return f.sessions.ListDeadLetters(ctx, auth.TenantID)
}

// ── Projects (tenants) ──────────────────────────────────────

// CreateProjectRequest provisions a tenant with its first API key.
type CreateProjectRequest struct {
	ProjectID   string              `json:"project_id" validate:"required"`
	Name        string              `json:"name,omitempty"`
	Description string              `json:"description,omitempty"`
	Config      models.TenantConfig `json:"config"`
}

// CreateProjectResponse carries the one-time clear-text key.
type CreateProjectResponse struct {
	Project models.Tenant `json:"project"`
	APIKey  string        `json:"api_key"`
	KeyID   string        `json:"key_id"`
}

func (f *Facade) CreateProject(ctx context.Context, auth *contracts.AuthContext, req CreateProjectRequest) (*CreateProjectResponse, error) {
	if !auth.IsAdmin() {
		return nil, errs.E(errs.KindForbidden, "project creation requires admin")
	}
	if err := f.check(req); err != nil {
		return nil, err
	}
	tenant, err := f.tenants.Create(ctx, req.ProjectID, req.Name, req.Description, req.Config)
	if err != nil {
		return nil, err
	}
	minted, err := f.tenants.MintKey(ctx, tenant.ID, "", nil, time.Time{})
	if err != nil {
		return nil, err
	}
	_ = f.tenants.Record(ctx, models.AuditEvent{
		Tenant: tenant.ID,
		Actor:  auth.ActorID,
		Action: "create_project",
	})
	return &CreateProjectResponse{Project: *tenant, APIKey: minted.Clear, KeyID: minted.Key.ID}, nil
}

// ListProjectsRequest lists tenants. Non-admins see only discoverable
// active projects.
type ListProjectsRequest struct {
	Status models.TenantStatus `json:"status,omitempty"`
}

func (f *Facade) ListProjects(ctx context.Context, auth *contracts.AuthContext, req ListProjectsRequest) ([]models.Tenant, error) {
	return f.tenants.List(ctx, tenants.ListFilter{
		Status:           req.Status,
		DiscoverableOnly: !auth.IsAdmin(),
	})
}

// GetProjectInfo returns the caller's own project, or any project for
// admins.
func (f *Facade) GetProjectInfo(ctx context.Context, auth *contracts.AuthContext, projectID string) (*models.Tenant, error) {
	if projectID == "" {
		projectID = auth.TenantID
	}
	if projectID != auth.TenantID && !auth.IsAdmin() {
		return nil, errs.E(errs.KindForbidden, "project %s is not yours", projectID)
	}
	return f.tenants.GetTenant(ctx, projectID)
}

// RotateProjectKeysRequest rotates one key or every active key of a
// project. Admin only.
type RotateProjectKeysRequest struct {
	ProjectID    string        `json:"project_id" validate:"required"`
	KeyID        string        `json:"key_id,omitempty"` // empty rotates all active keys
	GracePeriod  time.Duration `json:"grace_period,omitempty"`
}

// RotatedKey is one replacement credential, clear text shown once.
type RotatedKey struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

func (f *Facade) RotateProjectKeys(ctx context.Context, auth *contracts.AuthContext, req RotateProjectKeysRequest) ([]RotatedKey, error) {
	if !auth.IsAdmin() {
		return nil, errs.E(errs.KindForbidden, "key rotation requires admin")
	}
	if err := f.check(req); err != nil {
		return nil, err
	}

	var minted []*tenants.MintedKey
	if req.KeyID != "" {
		one, err := f.tenants.RotateKey(ctx, req.ProjectID, req.KeyID, req.GracePeriod)
		if err != nil {
			return nil, err
		}
		minted = append(minted, one)
	} else {
		all, err := f.tenants.RotateAllKeys(ctx, req.ProjectID, req.GracePeriod)
		if err != nil {
			return nil, err
		}
		minted = all
	}

	_ = f.tenants.Record(ctx, models.AuditEvent{
		Tenant: req.ProjectID,
		Actor:  auth.ActorID,
		Action: "rotate_project_keys",
		Details: map[string]interface{}{
			"rotated": len(minted),
		},
	})

	out := make([]RotatedKey, 0, len(minted))
	for _, mk := range minted {
		out = append(out, RotatedKey{KeyID: mk.Key.ID, APIKey: mk.Clear})
	}
	return out, nil
}
