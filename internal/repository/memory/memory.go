// Package memory implements the repository interfaces in process memory,
// for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/repository"
)

type Repository struct {
	mu       sync.RWMutex
	owners   map[string]*db.Owner
	byEmail  map[string]string
	keys     map[string]*db.APIKey
	counters map[db.CounterKey]int64
	audit    []*db.AuditLogEntry

	// FailReads / FailWrites simulate store unavailability in tests.
	FailReads  error
	FailWrites error
}

func New() *Repository {
	return &Repository{
		owners:   make(map[string]*db.Owner),
		byEmail:  make(map[string]string),
		keys:     make(map[string]*db.APIKey),
		counters: make(map[db.CounterKey]int64),
	}
}

// --- owners ---

func (r *Repository) Get(ctx context.Context, id string) (*db.Owner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.FailReads != nil {
		return nil, r.FailReads
	}
	if o, ok := r.owners[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*db.Owner, error) {
	r.mu.RLock()
	id, ok := r.byEmail[email]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *Repository) Create(ctx context.Context, owner *db.Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWrites != nil {
		return r.FailWrites
	}
	cp := *owner
	r.owners[owner.ID] = &cp
	r.byEmail[owner.Email] = owner.ID
	return nil
}

func (r *Repository) Update(ctx context.Context, owner *db.Owner) error {
	return r.Create(ctx, owner)
}

// --- keys ---

type Keys struct{ *Repository }

func (r *Repository) Keys() *Keys { return &Keys{r} }

func (k *Keys) Get(ctx context.Context, id string) (*db.APIKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.FailReads != nil {
		return nil, k.FailReads
	}
	if rec, ok := k.keys[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (k *Keys) Create(ctx context.Context, key *db.APIKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailWrites != nil {
		return k.FailWrites
	}
	cp := *key
	k.keys[key.ID] = &cp
	return nil
}

func (k *Keys) Update(ctx context.Context, key *db.APIKey) error {
	return k.Create(ctx, key)
}

func (k *Keys) ListByOwner(ctx context.Context, ownerID string) ([]*db.APIKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*db.APIKey
	for _, rec := range k.keys {
		if rec.OwnerUserID == ownerID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (k *Keys) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailWrites != nil {
		return k.FailWrites
	}
	rec, ok := k.keys[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Usage.RequestsToday++
	rec.Usage.RequestsThisMonth++
	rec.Usage.TotalRequests++
	rec.Usage.LastUsedAt = at
	return nil
}

// --- counters ---

type Counters struct{ *Repository }

func (r *Repository) Counters() *Counters { return &Counters{r} }

func (c *Counters) Get(ctx context.Context, key db.CounterKey) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.FailReads != nil {
		return 0, c.FailReads
	}
	return c.counters[key], nil
}

func (c *Counters) IncrementAll(ctx context.Context, keys []db.CounterKey, ttls []time.Duration) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWrites != nil {
		return nil, c.FailWrites
	}
	out := make([]int64, len(keys))
	for i, k := range keys {
		c.counters[k]++
		out[i] = c.counters[k]
	}
	return out, nil
}

func (c *Counters) Delete(ctx context.Context, key db.CounterKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, key)
	return nil
}

// --- audit ---

type Audit struct{ *Repository }

func (r *Repository) Audit() *Audit { return &Audit{r} }

func (a *Audit) Append(ctx context.Context, entry *db.AuditLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailWrites != nil {
		return a.FailWrites
	}
	cp := *entry
	a.audit = append(a.audit, &cp)
	return nil
}

// Entries returns a snapshot of appended audit entries, for assertions.
func (a *Audit) Entries() []*db.AuditLogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*db.AuditLogEntry, len(a.audit))
	copy(out, a.audit)
	return out
}

var (
	_ repository.OwnerRepository   = (*Repository)(nil)
	_ repository.KeyRepository     = (*Keys)(nil)
	_ repository.CounterRepository = (*Counters)(nil)
	_ repository.AuditRepository   = (*Audit)(nil)
)
