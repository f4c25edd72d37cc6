// Package redisrepo implements the repository interfaces over Redis. Key
// and owner records are JSON values, counters are plain integers with a
// TTL, audit entries land on an append-only list.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/repository"
)

const (
	ownerPrefix      = "owner:"
	ownerEmailPrefix = "owner:email:"
	keyPrefix        = "apikey:"
	keyOwnerPrefix   = "apikey:owner:"
	counterPrefix    = "rl:"
	auditList        = "audit:log"
	auditPrefix      = "audit:entry:"
)

// OwnerRepo stores owner records plus an email index.
type OwnerRepo struct {
	client *redis.Client
}

func NewOwnerRepo(client *redis.Client) *OwnerRepo {
	return &OwnerRepo{client: client}
}

func (r *OwnerRepo) Get(ctx context.Context, id string) (*db.Owner, error) {
	var o db.Owner
	if err := getJSON(ctx, r.client, ownerPrefix+id, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OwnerRepo) GetByEmail(ctx context.Context, email string) (*db.Owner, error) {
	id, err := r.client.Get(ctx, ownerEmailPrefix+email).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("owner lookup by email: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *OwnerRepo) Create(ctx context.Context, owner *db.Owner) error {
	if err := setJSON(ctx, r.client, ownerPrefix+owner.ID, owner); err != nil {
		return err
	}
	return r.client.Set(ctx, ownerEmailPrefix+owner.Email, owner.ID, 0).Err()
}

func (r *OwnerRepo) Update(ctx context.Context, owner *db.Owner) error {
	return setJSON(ctx, r.client, ownerPrefix+owner.ID, owner)
}

// KeyRepo stores API key records by derived lookup id, with a per-owner
// index scored by creation time for newest-first listing.
type KeyRepo struct {
	client *redis.Client
}

func NewKeyRepo(client *redis.Client) *KeyRepo {
	return &KeyRepo{client: client}
}

func (r *KeyRepo) Get(ctx context.Context, id string) (*db.APIKey, error) {
	var k db.APIKey
	if err := getJSON(ctx, r.client, keyPrefix+id, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *KeyRepo) Create(ctx context.Context, key *db.APIKey) error {
	if err := setJSON(ctx, r.client, keyPrefix+key.ID, key); err != nil {
		return err
	}
	return r.client.ZAdd(ctx, keyOwnerPrefix+key.OwnerUserID, redis.Z{
		Score:  float64(key.CreatedAt.UnixNano()),
		Member: key.ID,
	}).Err()
}

func (r *KeyRepo) Update(ctx context.Context, key *db.APIKey) error {
	return setJSON(ctx, r.client, keyPrefix+key.ID, key)
}

func (r *KeyRepo) ListByOwner(ctx context.Context, ownerID string) ([]*db.APIKey, error) {
	ids, err := r.client.ZRevRange(ctx, keyOwnerPrefix+ownerID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	out := make([]*db.APIKey, 0, len(ids))
	for _, id := range ids {
		k, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// IncrementUsage bumps usage counters inside a transactional
// read-modify-write so concurrent requests never lose an increment.
func (r *KeyRepo) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	redisKey := keyPrefix + id
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return repository.ErrNotFound
			}
			return err
		}
		var k db.APIKey
		if err := json.Unmarshal([]byte(raw), &k); err != nil {
			return fmt.Errorf("decoding key record: %w", err)
		}
		k.Usage.RequestsToday++
		k.Usage.RequestsThisMonth++
		k.Usage.TotalRequests++
		k.Usage.LastUsedAt = at
		buf, err := json.Marshal(&k)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, buf, 0)
			return nil
		})
		return err
	}

	// bounded retries on WATCH conflicts
	for i := 0; i < 5; i++ {
		err := r.client.Watch(ctx, txf, redisKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return errors.New("usage increment: too many contention retries")
}

// CounterRepo stores fixed-window counters as TTL'd integers.
type CounterRepo struct {
	client *redis.Client
}

func NewCounterRepo(client *redis.Client) *CounterRepo {
	return &CounterRepo{client: client}
}

func counterID(k db.CounterKey) string {
	return fmt.Sprintf("%s%s:%s:%s:%d", counterPrefix, k.SubjectKind, k.SubjectID, k.Window, k.Bucket)
}

func (r *CounterRepo) Get(ctx context.Context, key db.CounterKey) (int64, error) {
	n, err := r.client.Get(ctx, counterID(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading counter: %w", err)
	}
	return n, nil
}

// IncrementAll runs every INCR plus its TTL in one MULTI/EXEC pipeline, so
// the set of increments applies atomically.
func (r *CounterRepo) IncrementAll(ctx context.Context, keys []db.CounterKey, ttls []time.Duration) ([]int64, error) {
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			id := counterID(k)
			cmds[i] = pipe.Incr(ctx, id)
			pipe.ExpireNX(ctx, id, ttls[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("incrementing counters: %w", err)
	}
	out := make([]int64, len(keys))
	for i, c := range cmds {
		out[i] = c.Val()
	}
	return out, nil
}

func (r *CounterRepo) Delete(ctx context.Context, key db.CounterKey) error {
	return r.client.Del(ctx, counterID(key)).Err()
}

// AuditRepo appends immutable entries to a list plus a per-id record.
type AuditRepo struct {
	client *redis.Client
}

func NewAuditRepo(client *redis.Client) *AuditRepo {
	return &AuditRepo{client: client}
}

func (r *AuditRepo) Append(ctx context.Context, entry *db.AuditLogEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, auditPrefix+entry.ID, buf, 0)
		pipe.RPush(ctx, auditList, entry.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func getJSON(ctx context.Context, c *redis.Client, key string, dst interface{}) error {
	raw, err := c.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return json.Unmarshal([]byte(raw), dst)
}

func setJSON(ctx context.Context, c *redis.Client, key string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, buf, 0).Err()
}

var (
	_ repository.OwnerRepository   = (*OwnerRepo)(nil)
	_ repository.KeyRepository     = (*KeyRepo)(nil)
	_ repository.CounterRepository = (*CounterRepo)(nil)
	_ repository.AuditRepository   = (*AuditRepo)(nil)
)
