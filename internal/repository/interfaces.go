// Package repository defines the narrow per-entity storage interfaces the
// core logic depends on, so nothing here couples to a concrete engine's
// native call shape.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mavirek/apiwarden/internal/db"
)

var ErrNotFound = errors.New("record not found")

type OwnerRepository interface {
	Get(ctx context.Context, id string) (*db.Owner, error)
	GetByEmail(ctx context.Context, email string) (*db.Owner, error)
	Create(ctx context.Context, owner *db.Owner) error
	Update(ctx context.Context, owner *db.Owner) error
}

// KeyRepository stores API key records by derived lookup id. Records are
// never physically deleted; revocation is a status update.
type KeyRepository interface {
	Get(ctx context.Context, id string) (*db.APIKey, error)
	Create(ctx context.Context, key *db.APIKey) error
	Update(ctx context.Context, key *db.APIKey) error
	ListByOwner(ctx context.Context, ownerID string) ([]*db.APIKey, error)
	// IncrementUsage atomically bumps the usage fields and stamps
	// last-used. Best-effort callers swallow the error.
	IncrementUsage(ctx context.Context, id string, at time.Time) error
}

// CounterRepository stores fixed-window counters. IncrementAll is
// transactional: concurrent requests for the same subject never lose or
// double-apply an increment.
type CounterRepository interface {
	Get(ctx context.Context, key db.CounterKey) (int64, error)
	// IncrementAll applies +1 to every key in one transaction, setting
	// each key's TTL on first use, and returns the post-increment counts
	// in input order.
	IncrementAll(ctx context.Context, keys []db.CounterKey, ttls []time.Duration) ([]int64, error)
	Delete(ctx context.Context, key db.CounterKey) error
}

// AuditRepository appends immutable entries. There is no update or delete.
type AuditRepository interface {
	Append(ctx context.Context, entry *db.AuditLogEntry) error
}
