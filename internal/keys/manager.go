// Package keys owns the API key lifecycle: mint, validate, revoke,
// rotate, list. Validation fails closed with externally indistinguishable
// outcomes; the precise kind is only visible to the audit path.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mavirek/apiwarden/internal/cache"
	"github.com/mavirek/apiwarden/internal/crypto"
	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/repository"
	"github.com/mavirek/apiwarden/internal/sanitize"
	"github.com/mavirek/apiwarden/internal/tiers"
)

// Internal validation outcomes. Callers map all of these to the same
// generic external error; the distinction exists for audit logging.
var (
	ErrInvalidKey     = errors.New("key not valid")
	ErrExpiredKey     = errors.New("key expired")
	ErrTierDowngraded = errors.New("owner no longer on a paid tier")
	ErrNotPaidTier    = errors.New("owner tier does not allow API keys")
	ErrKeyLimit       = errors.New("active key limit reached")
	ErrNotOwner       = errors.New("key does not belong to caller")
)

const tierCacheTTL = 5 * time.Minute

type Options struct {
	MaxActiveKeys int
	ValidityDays  int
}

type Manager struct {
	keys   repository.KeyRepository
	owners repository.OwnerRepository
	hasher *crypto.Hasher
	table  *tiers.Table
	local  *cache.MemoryCache
	opts   Options
	now    func() time.Time
}

func NewManager(keys repository.KeyRepository, owners repository.OwnerRepository, hasher *crypto.Hasher, table *tiers.Table, local *cache.MemoryCache, opts Options) *Manager {
	if opts.MaxActiveKeys <= 0 {
		opts.MaxActiveKeys = 5
	}
	if opts.ValidityDays <= 0 {
		opts.ValidityDays = 365
	}
	return &Manager{
		keys:   keys,
		owners: owners,
		hasher: hasher,
		table:  table,
		local:  local,
		opts:   opts,
		now:    time.Now,
	}
}

// WithClock overrides the manager's clock, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create mints a new key for an owner who currently holds a paid tier and
// is under the active-key ceiling. The raw secret is returned exactly
// once and never stored.
func (m *Manager) Create(ctx context.Context, ownerID, ownerEmail, label string) (string, *db.APIKey, error) {
	owner, err := m.owners.Get(ctx, ownerID)
	if err != nil {
		return "", nil, fmt.Errorf("loading owner: %w", err)
	}
	if !owner.Active || !db.PaidTier(owner.Tier) {
		return "", nil, ErrNotPaidTier
	}

	existing, err := m.keys.ListByOwner(ctx, ownerID)
	if err != nil {
		return "", nil, fmt.Errorf("counting keys: %w", err)
	}
	active := 0
	now := m.now()
	for _, k := range existing {
		if k.Active(now) {
			active++
		}
	}
	if active >= m.opts.MaxActiveKeys {
		return "", nil, ErrKeyLimit
	}

	return m.mint(ctx, owner, ownerEmail, label, now)
}

func (m *Manager) mint(ctx context.Context, owner *db.Owner, ownerEmail, label string, now time.Time) (string, *db.APIKey, error) {
	token, err := crypto.GenerateToken(32)
	if err != nil {
		return "", nil, err
	}
	raw := sanitize.KeyPrefix + "_" + token

	id, err := m.hasher.DeriveLookupID(raw)
	if err != nil {
		return "", nil, err
	}
	hash, err := m.hasher.HashSecret(raw)
	if err != nil {
		return "", nil, err
	}

	limits := m.table.Evaluate(owner.Tier)
	record := &db.APIKey{
		ID:          id,
		OwnerUserID: owner.ID,
		OwnerEmail:  ownerEmail,
		SecretHash:  hash,
		Prefix:      raw[:len(sanitize.KeyPrefix)+5],
		Label:       label,
		Tier:        owner.Tier,
		Status:      db.KeyStatusActive,
		Permissions: db.KeyPermissions{
			CanRead:        true,
			CanWrite:       true,
			HourlyCeiling:  limits.PerHour,
			DailyCeiling:   limits.PerDay,
			MonthlyCeiling: limits.PerMonth,
		},
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, 0, m.opts.ValidityDays),
	}
	if err := m.keys.Create(ctx, record); err != nil {
		return "", nil, fmt.Errorf("persisting key: %w", err)
	}
	return raw, record, nil
}

// Validate checks a presented secret against storage and the owner's live
// subscription. Each failure returns its specific internal error; all of
// them must surface externally as the same generic rejection.
func (m *Manager) Validate(ctx context.Context, rawKey, claimedEmail string) (*db.APIKey, *db.Owner, error) {
	id, err := m.hasher.DeriveLookupID(rawKey)
	if err != nil {
		return nil, nil, err
	}

	record, err := m.keys.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrInvalidKey
		}
		return nil, nil, fmt.Errorf("loading key: %w", err)
	}

	ok, err := m.hasher.VerifySecret(rawKey, record.SecretHash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrInvalidKey
	}

	now := m.now()
	if record.Status != db.KeyStatusActive {
		return nil, nil, ErrInvalidKey
	}
	if !now.Before(record.ExpiresAt) {
		return nil, nil, ErrExpiredKey
	}
	if claimedEmail == "" || claimedEmail != record.OwnerEmail {
		return nil, nil, ErrInvalidKey
	}

	// live tier check: a subscription downgrade disables existing keys
	// immediately without touching key records
	owner, err := m.loadOwner(ctx, record.OwnerUserID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading owner: %w", err)
	}
	if !owner.Active || !db.PaidTier(owner.Tier) {
		return nil, nil, ErrTierDowngraded
	}

	return record, owner, nil
}

// loadOwner reads through the tier cache; entries are allowed to lag the
// store by at most tierCacheTTL.
func (m *Manager) loadOwner(ctx context.Context, ownerID string) (*db.Owner, error) {
	cacheKey := "owner:" + ownerID
	if v, ok := m.local.Get(cacheKey); ok {
		if o, ok := v.(*db.Owner); ok {
			return o, nil
		}
	}
	owner, err := m.owners.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	m.local.Set(cacheKey, owner, tierCacheTTL)
	return owner, nil
}

// Revoke marks a key revoked. Ownership-checked; records are never
// physically deleted, preserving audit continuity.
func (m *Manager) Revoke(ctx context.Context, ownerID, keyID string) error {
	record, err := m.keys.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidKey
		}
		return err
	}
	if record.OwnerUserID != ownerID {
		return ErrNotOwner
	}
	if record.Status == db.KeyStatusRevoked {
		return nil
	}
	record.Status = db.KeyStatusRevoked
	return m.keys.Update(ctx, record)
}

// Rotate revokes the old key and mints a replacement inheriting tier and
// permissions with reset usage, as one logical operation. The old key is
// revoked first so two keys are never simultaneously active.
func (m *Manager) Rotate(ctx context.Context, ownerID, keyID string) (string, *db.APIKey, error) {
	old, err := m.keys.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, ErrInvalidKey
		}
		return "", nil, err
	}
	if old.OwnerUserID != ownerID {
		return "", nil, ErrNotOwner
	}
	if old.Status != db.KeyStatusActive {
		return "", nil, ErrInvalidKey
	}

	owner, err := m.owners.Get(ctx, ownerID)
	if err != nil {
		return "", nil, fmt.Errorf("loading owner: %w", err)
	}

	now := m.now()
	old.Status = db.KeyStatusRevoked
	old.LastRotatedAt = now
	if err := m.keys.Update(ctx, old); err != nil {
		return "", nil, fmt.Errorf("revoking old key: %w", err)
	}

	raw, fresh, err := m.mint(ctx, owner, old.OwnerEmail, old.Label, now)
	if err != nil {
		return "", nil, err
	}
	fresh.Tier = old.Tier
	fresh.Permissions = old.Permissions
	fresh.LastRotatedAt = now
	if err := m.keys.Update(ctx, fresh); err != nil {
		return "", nil, fmt.Errorf("stamping rotated key: %w", err)
	}
	return raw, fresh, nil
}

// List returns all of an owner's key records, newest first.
func (m *Manager) List(ctx context.Context, ownerID string) ([]*db.APIKey, error) {
	return m.keys.ListByOwner(ctx, ownerID)
}

// RecordUsage is the best-effort usage increment: a failed write logs and
// never fails the request it accounts for.
func (m *Manager) RecordUsage(ctx context.Context, keyID string) {
	if err := m.keys.IncrementUsage(ctx, keyID, m.now()); err != nil {
		// the id is a lookup digest, safe to log whole
		log.Printf("keys: usage increment failed for %s: %v", keyID, err)
	}
}
