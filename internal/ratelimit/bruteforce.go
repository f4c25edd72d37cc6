package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/repository"
)

// DefaultAttemptLimit caps failed attempts per identifier per minute
// window. Independent of normal quotas: it defends the authentication
// step itself.
const DefaultAttemptLimit = 5

// BruteForceGuard is the narrow one-minute attempt counter per
// (context, identifier). A successful authentication clears the current
// window so the next failure counts as attempt one again.
type BruteForceGuard struct {
	counters repository.CounterRepository
	limit    int64
	now      func() time.Time
}

func NewBruteForceGuard(counters repository.CounterRepository) *BruteForceGuard {
	return &BruteForceGuard{
		counters: counters,
		limit:    DefaultAttemptLimit,
		now:      time.Now,
	}
}

// WithClock overrides the guard's clock, for tests.
func (g *BruteForceGuard) WithClock(now func() time.Time) *BruteForceGuard {
	g.now = now
	return g
}

func (g *BruteForceGuard) counterKey(scope, identifier string) (db.CounterKey, time.Time) {
	now := g.now()
	size := windowSizes[WindowMinute]
	key := db.CounterKey{
		SubjectKind: db.SubjectIP,
		SubjectID:   scope + ":" + identifier,
		Window:      WindowMinute,
		Bucket:      bucketIndex(now, size),
	}
	return key, bucketReset(now, size)
}

// Allowed reports whether another attempt may proceed, and how long to
// wait when it may not. A store read failure fails open: blocking all
// authentication on a storage hiccup is worse than briefly losing the
// guard.
func (g *BruteForceGuard) Allowed(ctx context.Context, scope, identifier string) (bool, time.Duration) {
	key, resetAt := g.counterKey(scope, identifier)
	count, err := g.counters.Get(ctx, key)
	if err != nil {
		log.Printf("bruteforce: store read failed, allowing: %v", err)
		return true, 0
	}
	if count >= g.limit {
		return false, resetAt.Sub(g.now())
	}
	return true, 0
}

// RecordFailure counts one failed attempt. Best-effort.
func (g *BruteForceGuard) RecordFailure(ctx context.Context, scope, identifier string) {
	key, _ := g.counterKey(scope, identifier)
	size := windowSizes[WindowMinute]
	if _, err := g.counters.IncrementAll(ctx, []db.CounterKey{key}, []time.Duration{size * 2}); err != nil {
		log.Printf("bruteforce: failed to record attempt: %v", err)
	}
}

// Clear drops the current window for the identifier after a successful
// authentication. Best-effort.
func (g *BruteForceGuard) Clear(ctx context.Context, scope, identifier string) {
	key, _ := g.counterKey(scope, identifier)
	if err := g.counters.Delete(ctx, key); err != nil {
		log.Printf("bruteforce: failed to clear window: %v", err)
	}
}
