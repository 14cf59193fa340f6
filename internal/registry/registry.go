// Package registry implements the protocol registry: versioned message
// schemas validated once at registration, indexed for range and tag
// queries, and optionally shared across tenants read-only.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// SystemTenant is the reserved namespace for global records (tenant
// directory, key material, share index). No client tenant can claim it:
// tenant creation rejects the name.
const SystemTenant = "system"

// ReferenceChecker reports whether a protocol version is pinned by an
// active session advertisement or an undelivered message. Wired in by the
// session manager; nil means deletes are unguarded (tests).
type ReferenceChecker interface {
	ProtocolReferenced(ctx context.Context, tenant, name, version string) (bool, string, error)
}

// DiscoverQuery filters a discovery call. Zero values match everything.
type DiscoverQuery struct {
	Name          string
	VersionRange  string // conventional ">=a,<b" constraint grammar
	Tags          []string
	IncludeShared bool
}

// Registry validates, stores, and indexes protocol definitions.
type Registry struct {
	store store.Store
	refs  ReferenceChecker

	// Compiled-schema cache, keyed "{tenant}:{name}@{version}". Populated
	// at registration and lazily after restart.
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema

	adapters *AdapterTable
}

// New creates a protocol registry over the given store.
func New(s store.Store) *Registry {
	return &Registry{
		store:    s,
		compiled: make(map[string]*jsonschema.Schema),
		adapters: NewAdapterTable(),
	}
}

// SetReferenceChecker wires the delete guard. Called once during server
// assembly, before requests flow.
func (r *Registry) SetReferenceChecker(refs ReferenceChecker) { r.refs = refs }

// Adapters exposes the version-adapter table for router lookups and
// transport-layer registration.
func (r *Registry) Adapters() *AdapterTable { return r.adapters }

func protocolID(name, version string) string { return name + "@" + version }

// ── Register ────────────────────────────────────────────────

// Register validates and stores a protocol definition. Uniqueness is per
// (tenant, name, version); definitions are immutable once registered.
func (r *Registry) Register(ctx context.Context, tenant string, def *models.ProtocolDefinition) (*models.ProtocolInfo, error) {
	if !models.ValidSlug(def.Name) {
		return nil, errs.E(errs.KindValidation, "protocol name %q is not a valid slug", def.Name)
	}
	if !models.ValidSemver(def.Version) {
		return nil, errs.E(errs.KindValidation, "protocol version %q is not a semver triple", def.Version)
	}
	if len(def.Capabilities) == 0 {
		return nil, errs.E(errs.KindValidation, "protocol %q declares no capabilities", def.Name)
	}
	for _, c := range def.Capabilities {
		if !models.ValidCapability(c) {
			return nil, errs.E(errs.KindValidation, "unknown protocol capability %q", c)
		}
	}

	if err := r.tenantExists(ctx, tenant); err != nil {
		return nil, err
	}

	compiled, err := compileSchema(def.Schema)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "protocol %s schema is invalid", def.Name)
	}

	id := protocolID(def.Name, def.Version)
	if _, err := r.store.Get(ctx, tenant, store.KindProtocol, id); err == nil {
		return nil, errs.E(errs.KindConflict, "protocol %s already registered in tenant %s", id, tenant)
	} else if !errs.IsKind(err, errs.KindNotFound) {
		return nil, err
	}

	def.Tenant = tenant
	def.RegisteredAt = time.Now().UTC()
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "marshal protocol definition")
	}
	if err := r.store.Put(ctx, tenant, store.KindProtocol, id, raw); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.compiled[tenant+":"+id] = compiled
	r.mu.Unlock()

	log.Info().
		Str("tenant", tenant).
		Str("protocol", def.Name).
		Str("version", def.Version).
		Msg("Protocol registered")

	info := infoOf(def)
	return &info, nil
}

// ── Discover ────────────────────────────────────────────────

// Discover returns protocol summaries matching the query, sorted by name
// ascending then version descending. With IncludeShared, protocols other
// tenants have shared are appended, stamped with their origin.
func (r *Registry) Discover(ctx context.Context, tenant string, q DiscoverQuery) ([]models.ProtocolInfo, error) {
	var rng *semver.Constraints
	if q.VersionRange != "" {
		parsed, err := semver.NewConstraint(q.VersionRange)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, err, "invalid version range %q", q.VersionRange)
		}
		rng = parsed
	}

	defs, err := r.ownedDefinitions(ctx, tenant)
	if err != nil {
		return nil, err
	}

	out := make([]models.ProtocolInfo, 0, len(defs))
	for _, def := range defs {
		if matches(def, q, rng) {
			out = append(out, infoOf(def))
		}
	}

	if q.IncludeShared {
		shared, err := r.sharedDefinitions(ctx, tenant)
		if err != nil {
			return nil, err
		}
		for _, sd := range shared {
			if matches(sd.def, q, rng) {
				info := infoOf(sd.def)
				info.Shared = true
				info.Origin = sd.owner
				out = append(out, info)
			}
		}
	}

	sortInfos(out)
	return out, nil
}

// Get returns the full definition, or a NotFound error.
func (r *Registry) Get(ctx context.Context, tenant, name, version string) (*models.ProtocolDefinition, error) {
	raw, err := r.store.Get(ctx, tenant, store.KindProtocol, protocolID(name, version))
	if err != nil {
		return nil, err
	}
	var def models.ProtocolDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode protocol definition")
	}
	return &def, nil
}

// ── Delete ──────────────────────────────────────────────────

// Delete removes a protocol version unless an active session advertises it
// or an undelivered message pins it.
func (r *Registry) Delete(ctx context.Context, tenant, name, version string) error {
	id := protocolID(name, version)
	if _, err := r.store.Get(ctx, tenant, store.KindProtocol, id); err != nil {
		return err
	}

	if r.refs != nil {
		pinned, by, err := r.refs.ProtocolReferenced(ctx, tenant, name, version)
		if err != nil {
			return err
		}
		if pinned {
			return errs.E(errs.KindConflict, "protocol %s has active references", id).
				WithDetail("referenced_by", by)
		}
	}

	if err := r.store.Delete(ctx, tenant, store.KindProtocol, id); err != nil {
		return err
	}
	_ = r.Unshare(ctx, tenant, name, version)

	r.mu.Lock()
	delete(r.compiled, tenant+":"+id)
	r.mu.Unlock()

	log.Info().Str("tenant", tenant).Str("protocol", id).Msg("Protocol deleted")
	return nil
}

// ── Sharing ─────────────────────────────────────────────────

// Share opts a protocol into cross-tenant discovery. Only the owner may
// share; shared references stay read-only for everyone else.
func (r *Registry) Share(ctx context.Context, owner, name, version string) error {
	if _, err := r.Get(ctx, owner, name, version); err != nil {
		return err
	}
	share := models.ProtocolShare{Owner: owner, Name: name, Version: version}
	raw, _ := json.Marshal(share)
	return r.store.Put(ctx, SystemTenant, store.KindShare, shareID(owner, name, version), raw)
}

// Unshare withdraws a share. Missing shares are not an error.
func (r *Registry) Unshare(ctx context.Context, owner, name, version string) error {
	err := r.store.Delete(ctx, SystemTenant, store.KindShare, shareID(owner, name, version))
	if errs.IsKind(err, errs.KindNotFound) {
		return nil
	}
	return err
}

// AssertOwner fails with a Forbidden error when tenant does not own the
// protocol. Modification through a shared reference is prohibited even for
// administrators.
func (r *Registry) AssertOwner(ctx context.Context, tenant, name, version string) error {
	_, err := r.store.Get(ctx, tenant, store.KindProtocol, protocolID(name, version))
	if errs.IsKind(err, errs.KindNotFound) {
		return errs.E(errs.KindForbidden, "tenant %s does not own protocol %s@%s", tenant, name, version)
	}
	return err
}

func shareID(owner, name, version string) string {
	return fmt.Sprintf("%s.%s@%s", owner, name, version)
}

// ── Payload validation ──────────────────────────────────────

// ValidatePayload checks a payload against the protocol's compiled schema.
// Violations return a ValidationError carrying the JSON pointer of the
// offending location and the failed constraint.
func (r *Registry) ValidatePayload(ctx context.Context, tenant, name, version string, payload json.RawMessage) error {
	schema, err := r.compiledFor(ctx, tenant, name, version)
	if err != nil {
		return err
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return errs.Wrap(errs.KindValidation, err, "payload is not valid JSON")
	}

	if err := schema.Validate(doc); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return errs.Wrap(errs.KindValidation, err, "payload rejected by %s@%s schema", name, version)
		}
		leaf := leafCause(ve)
		return errs.E(errs.KindValidation, "payload rejected by %s@%s schema: %s", name, version, leaf.Message).
			WithDetail("pointer", leaf.InstanceLocation).
			WithDetail("constraint", leaf.KeywordLocation)
	}
	return nil
}

// compiledFor returns the cached compiled schema, recompiling from the
// stored definition after a restart.
func (r *Registry) compiledFor(ctx context.Context, tenant, name, version string) (*jsonschema.Schema, error) {
	key := tenant + ":" + protocolID(name, version)

	r.mu.RLock()
	schema, ok := r.compiled[key]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	def, err := r.Get(ctx, tenant, name, version)
	if err != nil {
		return nil, err
	}
	schema, err = compileSchema(def.Schema)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "stored schema for %s no longer compiles", def.Key())
	}

	r.mu.Lock()
	r.compiled[key] = schema
	r.mu.Unlock()
	return schema, nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("inline.json")
}

// leafCause walks to the most specific nested violation.
func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// ── Helpers ─────────────────────────────────────────────────

func (r *Registry) tenantExists(ctx context.Context, tenant string) error {
	_, err := r.store.Get(ctx, SystemTenant, store.KindTenant, tenant)
	if errs.IsKind(err, errs.KindNotFound) {
		return errs.E(errs.KindNotFound, "unknown tenant %q", tenant)
	}
	return err
}

func (r *Registry) ownedDefinitions(ctx context.Context, tenant string) ([]*models.ProtocolDefinition, error) {
	recs, err := r.store.List(ctx, tenant, store.KindProtocol)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ProtocolDefinition, 0, len(recs))
	for _, rec := range recs {
		var def models.ProtocolDefinition
		if err := json.Unmarshal(rec.Value, &def); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "decode protocol %s", rec.ID)
		}
		out = append(out, &def)
	}
	return out, nil
}

type sharedDef struct {
	owner string
	def   *models.ProtocolDefinition
}

func (r *Registry) sharedDefinitions(ctx context.Context, viewer string) ([]sharedDef, error) {
	recs, err := r.store.List(ctx, SystemTenant, store.KindShare)
	if err != nil {
		return nil, err
	}
	var out []sharedDef
	for _, rec := range recs {
		var share models.ProtocolShare
		if err := json.Unmarshal(rec.Value, &share); err != nil {
			continue
		}
		if share.Owner == viewer {
			continue // already in the owned set
		}
		def, err := r.Get(ctx, share.Owner, share.Name, share.Version)
		if errs.IsKind(err, errs.KindNotFound) {
			continue // share outlived the definition
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sharedDef{owner: share.Owner, def: def})
	}
	return out, nil
}

func matches(def *models.ProtocolDefinition, q DiscoverQuery, rng *semver.Constraints) bool {
	if q.Name != "" && def.Name != q.Name {
		return false
	}
	if rng != nil {
		v, err := semver.NewVersion(def.Version)
		if err != nil || !rng.Check(v) {
			return false
		}
	}
	for _, want := range q.Tags {
		if !hasTag(def.Metadata.Tags, want) {
			return false
		}
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func infoOf(def *models.ProtocolDefinition) models.ProtocolInfo {
	return models.ProtocolInfo{
		Name:         def.Name,
		Version:      def.Version,
		Capabilities: def.Capabilities,
		Tags:         def.Metadata.Tags,
		RegisteredAt: def.RegisteredAt,
	}
}

// sortInfos orders by name ascending, then version descending by semantic
// order. Discovery results are deterministic.
func sortInfos(infos []models.ProtocolInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		vi, ei := semver.NewVersion(infos[i].Version)
		vj, ej := semver.NewVersion(infos[j].Version)
		if ei != nil || ej != nil {
			return infos[i].Version > infos[j].Version
		}
		return vi.GreaterThan(vj)
	})
}
