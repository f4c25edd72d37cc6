package keys

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mavirek/apiwarden/internal/cache"
	"github.com/mavirek/apiwarden/internal/crypto"
	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/repository/memory"
	"github.com/mavirek/apiwarden/internal/sanitize"
	"github.com/mavirek/apiwarden/internal/tiers"
)

var testStart = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

type harness struct {
	mgr   *Manager
	repo  *memory.Repository
	local *cache.MemoryCache
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:  memory.New(),
		local: cache.NewMemoryCache(),
		now:   testStart,
	}
	h.mgr = NewManager(
		h.repo.Keys(),
		h.repo,
		crypto.NewHasherWithSecret([]byte("unit-test-secret")),
		tiers.NewTable(),
		h.local,
		Options{MaxActiveKeys: 3, ValidityDays: 365},
	).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) addOwner(t *testing.T, id, email, tier string) *db.Owner {
	t.Helper()
	owner := &db.Owner{
		ID:        id,
		Email:     email,
		Tier:      tier,
		Active:    true,
		CreatedAt: h.now,
	}
	if err := h.repo.Create(context.Background(), owner); err != nil {
		t.Fatalf("creating owner: %v", err)
	}
	return owner
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)

	raw, record, err := h.mgr.Create(context.Background(), "owner-1", "alice@example.com", "ci pipeline")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !strings.HasPrefix(raw, sanitize.KeyPrefix+"_") {
		t.Errorf("raw key %q missing prefix", raw)
	}
	if record.SecretHash == raw || strings.Contains(record.SecretHash, raw) {
		t.Error("stored hash leaks the raw secret")
	}
	if record.ID == raw {
		t.Error("record id is the raw secret")
	}
	if !strings.HasPrefix(raw, record.Prefix) {
		t.Errorf("display prefix %q is not a prefix of the key", record.Prefix)
	}
	if record.Status != db.KeyStatusActive {
		t.Errorf("expected active status, got %q", record.Status)
	}
	if got := record.ExpiresAt; !got.Equal(testStart.AddDate(0, 0, 365)) {
		t.Errorf("unexpected expiry %v", got)
	}
	if record.Permissions.HourlyCeiling != tiers.Defaults()[db.TierPro].PerHour {
		t.Errorf("permissions not derived from tier: %+v", record.Permissions)
	}
}

func TestCreateRejectsFreeTier(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierFree)

	if _, _, err := h.mgr.Create(context.Background(), "owner-1", "alice@example.com", ""); err != ErrNotPaidTier {
		t.Errorf("expected ErrNotPaidTier, got %v", err)
	}
}

func TestCreateEnforcesActiveKeyLimit(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := h.mgr.Create(ctx, "owner-1", "alice@example.com", ""); err != nil {
			t.Fatalf("Create %d: %v", i+1, err)
		}
	}
	if _, _, err := h.mgr.Create(ctx, "owner-1", "alice@example.com", ""); err != ErrKeyLimit {
		t.Fatalf("expected ErrKeyLimit, got %v", err)
	}

	// Revoking one frees a slot.
	list, _ := h.mgr.List(ctx, "owner-1")
	if err := h.mgr.Revoke(ctx, "owner-1", list[0].ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, err := h.mgr.Create(ctx, "owner-1", "alice@example.com", ""); err != nil {
		t.Errorf("expected slot after revoke, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	raw, minted, err := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	record, owner, err := h.mgr.Validate(ctx, raw, "alice@example.com")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if record.ID != minted.ID {
		t.Error("validated record is not the minted key")
	}
	if owner.ID != "owner-1" {
		t.Errorf("unexpected owner %q", owner.ID)
	}
}

func TestValidateUnknownKey(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.mgr.Validate(context.Background(), "aw_never_minted_key_value", "alice@example.com")
	if err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestValidateEmailMismatch(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	raw, _, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")

	if _, _, err := h.mgr.Validate(ctx, raw, "mallory@example.com"); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey for wrong email, got %v", err)
	}
	if _, _, err := h.mgr.Validate(ctx, raw, ""); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey for missing email, got %v", err)
	}
}

func TestValidateRevokedKey(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	raw, record, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")
	if err := h.mgr.Revoke(ctx, "owner-1", record.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, _, err := h.mgr.Validate(ctx, raw, "alice@example.com"); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey after revoke, got %v", err)
	}
}

func TestValidateExpiredKey(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	raw, _, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")

	h.now = h.now.AddDate(0, 0, 366)
	if _, _, err := h.mgr.Validate(ctx, raw, "alice@example.com"); err != ErrExpiredKey {
		t.Errorf("expected ErrExpiredKey, got %v", err)
	}
}

func TestValidateTierDowngrade(t *testing.T) {
	h := newHarness(t)
	owner := h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	raw, _, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")

	owner.Tier = db.TierFree
	if err := h.repo.Update(ctx, owner); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, _, err := h.mgr.Validate(ctx, raw, "alice@example.com"); err != ErrTierDowngraded {
		t.Errorf("expected ErrTierDowngraded, got %v", err)
	}
}

func TestValidateTierCacheLags(t *testing.T) {
	h := newHarness(t)
	owner := h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	raw, _, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")

	// Prime the tier cache with the paid owner.
	if _, _, err := h.mgr.Validate(ctx, raw, "alice@example.com"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	owner.Tier = db.TierFree
	h.repo.Update(ctx, owner)

	// Within the cache TTL the stale paid tier still validates.
	if _, _, err := h.mgr.Validate(ctx, raw, "alice@example.com"); err != nil {
		t.Errorf("expected cached tier to validate, got %v", err)
	}

	// Once the cache entry is dropped the downgrade takes effect.
	h.local.Delete("owner:owner-1")
	if _, _, err := h.mgr.Validate(ctx, raw, "alice@example.com"); err != ErrTierDowngraded {
		t.Errorf("expected ErrTierDowngraded after cache expiry, got %v", err)
	}
}

func TestRevokeOwnershipCheck(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	h.addOwner(t, "owner-2", "bob@example.com", db.TierPro)
	ctx := context.Background()

	_, record, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")

	if err := h.mgr.Revoke(ctx, "owner-2", record.ID); err != ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	// Idempotent for the real owner.
	if err := h.mgr.Revoke(ctx, "owner-1", record.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := h.mgr.Revoke(ctx, "owner-1", record.ID); err != nil {
		t.Errorf("second revoke not idempotent: %v", err)
	}
}

func TestRotate(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	oldRaw, oldRecord, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "prod")

	newRaw, newRecord, err := h.mgr.Rotate(ctx, "owner-1", oldRecord.ID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newRaw == oldRaw {
		t.Error("rotation reissued the same secret")
	}
	if newRecord.Label != "prod" || newRecord.Tier != oldRecord.Tier {
		t.Error("rotated key did not inherit label and tier")
	}
	if newRecord.LastRotatedAt.IsZero() {
		t.Error("rotation timestamp not stamped")
	}
	if newRecord.Usage.TotalRequests != 0 {
		t.Error("rotated key inherited usage")
	}

	// Old secret is dead, new secret works.
	if _, _, err := h.mgr.Validate(ctx, oldRaw, "alice@example.com"); err != ErrInvalidKey {
		t.Errorf("expected old key invalid, got %v", err)
	}
	if _, _, err := h.mgr.Validate(ctx, newRaw, "alice@example.com"); err != nil {
		t.Errorf("expected new key valid, got %v", err)
	}

	// Never two active keys out of one rotation.
	list, _ := h.mgr.List(ctx, "owner-1")
	active := 0
	for _, k := range list {
		if k.Active(h.now) {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active key, got %d", active)
	}
}

func TestRotateRejectsRevokedKey(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	_, record, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")
	h.mgr.Revoke(ctx, "owner-1", record.ID)

	if _, _, err := h.mgr.Rotate(ctx, "owner-1", record.ID); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	_, first, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "first")
	h.now = h.now.Add(time.Minute)
	_, second, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "second")

	list, err := h.mgr.List(ctx, "owner-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Error("keys not ordered newest first")
	}
}

func TestRecordUsage(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	_, record, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")

	h.mgr.RecordUsage(ctx, record.ID)
	h.mgr.RecordUsage(ctx, record.ID)

	stored, _ := h.repo.Keys().Get(ctx, record.ID)
	if stored.Usage.TotalRequests != 2 {
		t.Errorf("expected 2 recorded requests, got %d", stored.Usage.TotalRequests)
	}
	if !stored.Usage.LastUsedAt.Equal(h.now) {
		t.Errorf("last-used not stamped: %v", stored.Usage.LastUsedAt)
	}
}

func TestRecordUsageSwallowsWriteFailure(t *testing.T) {
	h := newHarness(t)
	h.addOwner(t, "owner-1", "alice@example.com", db.TierPro)
	ctx := context.Background()

	_, record, _ := h.mgr.Create(ctx, "owner-1", "alice@example.com", "")
	h.repo.FailWrites = errors.New("store down")

	// Must not panic or surface an error, whatever the id looks like.
	h.mgr.RecordUsage(ctx, record.ID)
	h.mgr.RecordUsage(ctx, "x")
}
