package tenants

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/internal/registry"
	"github.com/agentmesh/agentmesh/broker/internal/store"
	"github.com/agentmesh/agentmesh/broker/pkg/errs"
	"github.com/agentmesh/agentmesh/broker/pkg/models"
)

// Key wire format: sk_agent_v1_{tenant_prefix_8}_{agent_uuid}_{random_hex_8}
// The tenant prefix is fixed-width (8 chars, '0'-padded) so parsing is
// positional and survives underscores inside tenant slugs.
const (
	keyPrefix       = "sk_agent_v1_"
	tenantPrefixLen = 8
	agentUUIDLen    = 36
	randomHexLen    = 8

	// DefaultRotationGrace keeps a superseded key usable long enough for
	// clients to pick up the replacement.
	DefaultRotationGrace = 24 * time.Hour
)

// MintedKey pairs the stored record with the clear text, which is shown
// exactly once.
type MintedKey struct {
	Key   models.APIKey
	Clear string
}

// TenantPrefix returns the fixed-width prefix embedded in keys for the
// tenant.
func TenantPrefix(tenant string) string {
	if len(tenant) >= tenantPrefixLen {
		return tenant[:tenantPrefixLen]
	}
	return tenant + strings.Repeat("0", tenantPrefixLen-len(tenant))
}

// ParseKey splits a clear-text key into its components without any store
// lookup, so transports can route by tenant prefix before authenticating.
func ParseKey(clear string) (tenantPrefix, agentID, random string, err error) {
	if !strings.HasPrefix(clear, keyPrefix) {
		return "", "", "", errs.E(errs.KindUnauthorized, "malformed API key")
	}
	rest := clear[len(keyPrefix):]
	want := tenantPrefixLen + 1 + agentUUIDLen + 1 + randomHexLen
	if len(rest) != want {
		return "", "", "", errs.E(errs.KindUnauthorized, "malformed API key")
	}
	tenantPrefix = rest[:tenantPrefixLen]
	agentID = rest[tenantPrefixLen+1 : tenantPrefixLen+1+agentUUIDLen]
	random = rest[len(rest)-randomHexLen:]
	if rest[tenantPrefixLen] != '_' || rest[len(rest)-randomHexLen-1] != '_' {
		return "", "", "", errs.E(errs.KindUnauthorized, "malformed API key")
	}
	if _, err := uuid.Parse(agentID); err != nil {
		return "", "", "", errs.E(errs.KindUnauthorized, "malformed API key")
	}
	return tenantPrefix, agentID, random, nil
}

func digestOf(clear string) string {
	sum := sha256.Sum256([]byte(clear))
	return hex.EncodeToString(sum[:])
}

// ── Minting ─────────────────────────────────────────────────

// MintKey creates an API key for an agent of the tenant. Only the SHA-256
// digest is stored; the returned clear text cannot be recovered later.
func (r *Registry) MintKey(ctx context.Context, tenant, agentID string, capabilities []string, expiresAt time.Time) (*MintedKey, error) {
	if _, err := r.GetTenant(ctx, tenant); err != nil {
		return nil, err
	}
	if agentID == "" {
		agentID = uuid.New().String()
	} else if _, err := uuid.Parse(agentID); err != nil {
		return nil, errs.E(errs.KindValidation, "agent id %q is not a UUID", agentID)
	}

	randomBytes := make([]byte, randomHexLen/2)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "key entropy")
	}
	clear := fmt.Sprintf("%s%s_%s_%s", keyPrefix, TenantPrefix(tenant), agentID, hex.EncodeToString(randomBytes))

	key := models.APIKey{
		ID:           uuid.New().String(),
		TenantID:     tenant,
		AgentID:      agentID,
		Digest:       digestOf(clear),
		Status:       models.KeyActive,
		Capabilities: capabilities,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    expiresAt,
	}
	if err := r.putKey(ctx, &key); err != nil {
		return nil, err
	}

	log.Info().Str("tenant", tenant).Str("key", key.ID).Msg("API key minted")
	return &MintedKey{Key: key, Clear: clear}, nil
}

// ── Authentication ──────────────────────────────────────────

// Authenticate resolves a clear-text key to its record and tenant. The
// digest comparison is constant-time; every failure mode returns the same
// generic error so callers cannot probe for valid key ids.
func (r *Registry) Authenticate(ctx context.Context, clear string) (*models.APIKey, *models.Tenant, error) {
	unauthorized := errs.E(errs.KindUnauthorized, "invalid API key")

	_, agentID, _, err := ParseKey(clear)
	if err != nil {
		return nil, nil, unauthorized
	}

	recs, err := r.store.List(ctx, registry.SystemTenant, store.KindKey)
	if err != nil {
		return nil, nil, err
	}

	digest := []byte(digestOf(clear))
	now := time.Now().UTC()
	for _, rec := range recs {
		var key models.APIKey
		if err := json.Unmarshal(rec.Value, &key); err != nil {
			continue
		}
		if key.AgentID != agentID {
			continue
		}
		if subtle.ConstantTimeCompare(digest, []byte(key.Digest)) != 1 {
			continue
		}
		if !key.UsableAt(now) {
			return nil, nil, unauthorized
		}
		tenant, err := r.GetTenant(ctx, key.TenantID)
		if err != nil || tenant.Status != models.TenantActive {
			return nil, nil, unauthorized
		}
		return &key, tenant, nil
	}
	return nil, nil, unauthorized
}

// ── Rotation and revocation ─────────────────────────────────

// RotateKey mints a replacement for the key and puts the old one on a
// grace timer. Until the grace deadline both keys authenticate.
func (r *Registry) RotateKey(ctx context.Context, tenant, keyID string, grace time.Duration) (*MintedKey, error) {
	old, err := r.getKey(ctx, tenant, keyID)
	if err != nil {
		return nil, err
	}
	if old.Status != models.KeyActive {
		return nil, errs.E(errs.KindConflict, "key %s is %s, cannot rotate", keyID, old.Status)
	}
	if grace <= 0 {
		grace = DefaultRotationGrace
	}

	minted, err := r.MintKey(ctx, tenant, old.AgentID, old.Capabilities, old.ExpiresAt)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().UTC().Add(grace)
	old.GraceUntil = &deadline
	old.SupersededBy = minted.Key.ID
	if err := r.putKey(ctx, old); err != nil {
		return nil, err
	}

	log.Info().
		Str("tenant", tenant).
		Str("old_key", old.ID).
		Str("new_key", minted.Key.ID).
		Time("grace_until", deadline).
		Msg("API key rotated")
	return minted, nil
}

// RotateAllKeys rotates every active key of the tenant, returning the
// replacements.
func (r *Registry) RotateAllKeys(ctx context.Context, tenant string, grace time.Duration) ([]*MintedKey, error) {
	keys, err := r.ListKeys(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var out []*MintedKey
	for i := range keys {
		if keys[i].Status != models.KeyActive || keys[i].SupersededBy != "" {
			continue
		}
		minted, err := r.RotateKey(ctx, tenant, keys[i].ID, grace)
		if err != nil {
			return out, err
		}
		out = append(out, minted)
	}
	return out, nil
}

// RevokeKey kills a key immediately, grace window included.
func (r *Registry) RevokeKey(ctx context.Context, tenant, keyID string) error {
	key, err := r.getKey(ctx, tenant, keyID)
	if err != nil {
		return err
	}
	key.Status = models.KeyRevoked
	if err := r.putKey(ctx, key); err != nil {
		return err
	}
	log.Info().Str("tenant", tenant).Str("key", keyID).Msg("API key revoked")
	return nil
}

// ListKeys returns the tenant's key records, digests included, clear text
// never.
func (r *Registry) ListKeys(ctx context.Context, tenant string) ([]models.APIKey, error) {
	recs, err := r.store.List(ctx, registry.SystemTenant, store.KindKey)
	if err != nil {
		return nil, err
	}
	var out []models.APIKey
	for _, rec := range recs {
		var key models.APIKey
		if err := json.Unmarshal(rec.Value, &key); err != nil {
			continue
		}
		if key.TenantID == tenant {
			out = append(out, key)
		}
	}
	return out, nil
}

func (r *Registry) getKey(ctx context.Context, tenant, keyID string) (*models.APIKey, error) {
	raw, err := r.store.Get(ctx, registry.SystemTenant, store.KindKey, keyID)
	if err != nil {
		return nil, err
	}
	var key models.APIKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode key %s", keyID)
	}
	if key.TenantID != tenant {
		return nil, errs.E(errs.KindNotFound, "key %q not found", keyID)
	}
	return &key, nil
}

func (r *Registry) putKey(ctx context.Context, key *models.APIKey) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "marshal key")
	}
	return r.store.Put(ctx, registry.SystemTenant, store.KindKey, key.ID, raw)
}
