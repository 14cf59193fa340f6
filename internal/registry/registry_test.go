package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentmesh/agentmesh/broker/internal/registry"
	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

var chatSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"text": {"type": "string"},
		"turn": {"type": "integer"}
	},
	"required": ["text"]
}`)

func newTestRegistry(t *testing.T, tenantIDs ...string) *registry.Registry {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, id := range tenantIDs {
		raw, _ := json.Marshal(models.Tenant{ID: id, Status: models.TenantActive})
		if err := s.Put(ctx, registry.SystemTenant, store.KindTenant, id, raw); err != nil {
			t.Fatalf("seed tenant %s: %v", id, err)
		}
	}
	return registry.New(s)
}

func register(t *testing.T, reg *registry.Registry, tenant, name, version string) {
	t.Helper()
	_, err := reg.Register(context.Background(), tenant, &models.ProtocolDefinition{
		Name:         name,
		Version:      version,
		Schema:       chatSchema,
		Capabilities: []models.ProtocolCapability{models.CapPointToPoint},
	})
	if err != nil {
		t.Fatalf("Register(%s@%s) error = %v", name, version, err)
	}
}

// ─── Register ────────────────────────────────────────────────

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t, "acme")
	register(t, reg, "acme", "chat", "1.0.0")

	def, err := reg.Get(context.Background(), "acme", "chat", "1.0.0")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if def.Key() != "chat@1.0.0" {
		t.Errorf("Get().Key() = %q, want chat@1.0.0", def.Key())
	}
}

func TestRegister_DuplicateConflicts(t *testing.T) {
	reg := newTestRegistry(t, "acme")
	register(t, reg, "acme", "chat", "1.0.0")

	_, err := reg.Register(context.Background(), "acme", &models.ProtocolDefinition{
		Name:         "chat",
		Version:      "1.0.0",
		Schema:       chatSchema,
		Capabilities: []models.ProtocolCapability{models.CapBroadcast},
	})
	if !errs.IsKind(err, errs.KindConflict) {
		t.Fatalf("Register() duplicate error = %v, want KindConflict", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	reg := newTestRegistry(t, "acme")
	ctx := context.Background()

	cases := []struct {
		name string
		def  models.ProtocolDefinition
	}{
		{"bad name", models.ProtocolDefinition{Name: "Bad Name", Version: "1.0.0", Schema: chatSchema, Capabilities: []models.ProtocolCapability{models.CapBroadcast}}},
		{"bad version", models.ProtocolDefinition{Name: "chat", Version: "1.0", Schema: chatSchema, Capabilities: []models.ProtocolCapability{models.CapBroadcast}}},
		{"no capabilities", models.ProtocolDefinition{Name: "chat", Version: "1.0.0", Schema: chatSchema}},
		{"bad capability", models.ProtocolDefinition{Name: "chat", Version: "1.0.0", Schema: chatSchema, Capabilities: []models.ProtocolCapability{"telepathy"}}},
		{"bad schema", models.ProtocolDefinition{Name: "chat", Version: "1.0.0", Schema: json.RawMessage(`{"type": 42}`), Capabilities: []models.ProtocolCapability{models.CapBroadcast}}},
	}
	for _, tc := range cases {
		if _, err := reg.Register(ctx, "acme", &tc.def); !errs.IsKind(err, errs.KindValidation) {
			t.Errorf("Register(%s) error = %v, want KindValidation", tc.name, err)
		}
	}
}

func TestRegister_UnknownTenant(t *testing.T) {
	reg := newTestRegistry(t, "acme")
	_, err := reg.Register(context.Background(), "nobody", &models.ProtocolDefinition{
		Name:         "chat",
		Version:      "1.0.0",
		Schema:       chatSchema,
		Capabilities: []models.ProtocolCapability{models.CapBroadcast},
	})
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("Register() for unknown tenant error = %v, want KindNotFound", err)
	}
}

// ─── Discover ────────────────────────────────────────────────

func TestDiscover_VersionRange(t *testing.T) {
	reg := newTestRegistry(t, "acme")
	for _, v := range []string{"0.9.0", "1.0.0", "1.2.0", "2.0.0"} {
		register(t, reg, "acme", "chat", v)
	}

	infos, err := reg.Discover(context.Background(), "acme", registry.DiscoverQuery{
		Name:         "chat",
		VersionRange: ">=1.0.0, <2.0.0",
	})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Discover() = %d results, want 2", len(infos))
	}
	// Versions sort descending.
	if infos[0].Version != "1.2.0" || infos[1].Version != "1.0.0" {
		t.Errorf("Discover() versions = %s, %s, want 1.2.0, 1.0.0", infos[0].Version, infos[1].Version)
	}
}

func TestDiscover_Deterministic(t *testing.T) {
	reg := newTestRegistry(t, "acme")
	register(t, reg, "acme", "telemetry", "1.0.0")
	register(t, reg, "acme", "chat", "1.0.0")
	register(t, reg, "acme", "chat", "1.10.0")
	register(t, reg, "acme", "chat", "1.2.0")

	infos, err := reg.Discover(context.Background(), "acme", registry.DiscoverQuery{})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	want := []string{"chat@1.10.0", "chat@1.2.0", "chat@1.0.0", "telemetry@1.0.0"}
	for i, info := range infos {
		got := info.Name + "@" + info.Version
		if got != want[i] {
			t.Errorf("Discover()[%d] = %s, want %s", i, got, want[i])
		}
	}
}

// ─── Sharing ─────────────────────────────────────────────────

func TestShare_VisibleToOtherTenant(t *testing.T) {
	reg := newTestRegistry(t, "acme", "globex")
	register(t, reg, "acme", "chat", "1.0.0")
	ctx := context.Background()

	if err := reg.Share(ctx, "acme", "chat", "1.0.0"); err != nil {
		t.Fatalf("Share() error = %v", err)
	}

	infos, err := reg.Discover(ctx, "globex", registry.DiscoverQuery{IncludeShared: true})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("Discover() with shared = %d results, want 1", len(infos))
	}
	if !infos[0].Shared || infos[0].Origin != "acme" {
		t.Errorf("shared info = %+v, want Shared=true Origin=acme", infos[0])
	}

	// Without the flag the share stays invisible.
	infos, _ = reg.Discover(ctx, "globex", registry.DiscoverQuery{})
	if len(infos) != 0 {
		t.Errorf("Discover() without shared = %d results, want 0", len(infos))
	}

	// The viewer cannot modify through the shared reference.
	if err := reg.AssertOwner(ctx, "globex", "chat", "1.0.0"); !errs.IsKind(err, errs.KindForbidden) {
		t.Errorf("AssertOwner() for viewer error = %v, want KindForbidden", err)
	}
}

// ─── Delete guard ────────────────────────────────────────────

type staticRefs struct {
	pinned bool
	by     string
}

func (s staticRefs) ProtocolReferenced(context.Context, string, string, string) (bool, string, error) {
	return s.pinned, s.by, nil
}

func TestDelete_GuardedByReferences(t *testing.T) {
	reg := newTestRegistry(t, "acme")
	register(t, reg, "acme", "chat", "1.0.0")
	ctx := context.Background()

	reg.SetReferenceChecker(staticRefs{pinned: true, by: "session s1"})
	err := reg.Delete(ctx, "acme", "chat", "1.0.0")
	if !errs.IsKind(err, errs.KindConflict) {
		t.Fatalf("Delete() with references error = %v, want KindConflict", err)
	}

	reg.SetReferenceChecker(staticRefs{})
	if err := reg.Delete(ctx, "acme", "chat", "1.0.0"); err != nil {
		t.Fatalf("Delete() without references error = %v", err)
	}
	if _, err := reg.Get(ctx, "acme", "chat", "1.0.0"); !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("Get() after delete error = %v, want KindNotFound", err)
	}
}

// ─── Payload validation ──────────────────────────────────────

func TestValidatePayload(t *testing.T) {
	reg := newTestRegistry(t, "acme")
	register(t, reg, "acme", "chat", "1.0.0")
	ctx := context.Background()

	if err := reg.ValidatePayload(ctx, "acme", "chat", "1.0.0", json.RawMessage(`{"text":"hi","turn":1}`)); err != nil {
		t.Fatalf("ValidatePayload() valid payload error = %v", err)
	}

	err := reg.ValidatePayload(ctx, "acme", "chat", "1.0.0", json.RawMessage(`{"turn":"not-an-int"}`))
	if !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("ValidatePayload() invalid payload error = %v, want KindValidation", err)
	}
	var typed *errs.Error
	if !errors.As(err, &typed) {
		t.Fatal("ValidatePayload() error is not *errs.Error")
	}
	if typed.Detail["pointer"] == nil {
		t.Error("validation error carries no JSON pointer detail")
	}
}
