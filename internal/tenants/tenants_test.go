package tenants_test

import (
	"context"
	"testing"

	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/internal/tenants"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

func newTestRegistry(t *testing.T) *tenants.Registry {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return tenants.New(s)
}

// ─── CRUD ────────────────────────────────────────────────────

func TestCreateAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx, "acme", "Acme Corp", "test project", models.TenantConfig{Discoverable: true})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.Status != models.TenantActive {
		t.Errorf("Create().Status = %q, want active", created.Status)
	}

	got, err := reg.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if got.Name != "Acme Corp" {
		t.Errorf("GetTenant().Name = %q, want Acme Corp", got.Name)
	}
}

func TestCreate_Validation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "system", "", "", models.TenantConfig{}); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("Create(system) error = %v, want KindValidation (reserved)", err)
	}
	if _, err := reg.Create(ctx, "Bad Slug!", "", "", models.TenantConfig{}); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("Create(bad slug) error = %v, want KindValidation", err)
	}

	if _, err := reg.Create(ctx, "acme", "", "", models.TenantConfig{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := reg.Create(ctx, "acme", "", "", models.TenantConfig{}); !errs.IsKind(err, errs.KindConflict) {
		t.Errorf("Create() duplicate error = %v, want KindConflict", err)
	}
}

func TestList_DiscoverableFilter(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	reg.Create(ctx, "open", "", "", models.TenantConfig{Discoverable: true})
	reg.Create(ctx, "hidden", "", "", models.TenantConfig{Discoverable: false})

	all, err := reg.List(ctx, tenants.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List() = %d tenants, want 2", len(all))
	}

	visible, err := reg.List(ctx, tenants.ListFilter{DiscoverableOnly: true})
	if err != nil {
		t.Fatalf("List(discoverable) error = %v", err)
	}
	if len(visible) != 1 || visible[0].ID != "open" {
		t.Errorf("List(discoverable) = %+v, want only open", visible)
	}
}

// ─── Deactivation guard ──────────────────────────────────────

type stubGuard struct {
	live    bool
	pending bool
}

func (g stubGuard) HasLiveSessions(string) bool { return g.live }
func (g stubGuard) HasPendingMail(context.Context, string) (bool, error) {
	return g.pending, nil
}

func TestDeactivate_Guarded(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	reg.Create(ctx, "acme", "", "", models.TenantConfig{})

	reg.SetSessionGuard(stubGuard{live: true})
	if err := reg.Deactivate(ctx, "acme"); !errs.IsKind(err, errs.KindConflict) {
		t.Errorf("Deactivate() with live sessions error = %v, want KindConflict", err)
	}

	reg.SetSessionGuard(stubGuard{pending: true})
	if err := reg.Deactivate(ctx, "acme"); !errs.IsKind(err, errs.KindConflict) {
		t.Errorf("Deactivate() with pending mail error = %v, want KindConflict", err)
	}

	reg.SetSessionGuard(stubGuard{})
	if err := reg.Deactivate(ctx, "acme"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	got, _ := reg.GetTenant(ctx, "acme")
	if got.Status != models.TenantInactive {
		t.Errorf("Status after deactivate = %q, want inactive", got.Status)
	}
}
