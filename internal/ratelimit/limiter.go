// Package ratelimit enforces the per-tier fixed-window quotas and the
// brute-force guard. Counters live in the persistent store; a process-
// local cache bounds store round-trips without ever becoming the source
// of truth.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/mavirek/apiwarden/internal/cache"
	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/ipresolve"
	"github.com/mavirek/apiwarden/internal/reliability"
	"github.com/mavirek/apiwarden/internal/repository"
	"github.com/mavirek/apiwarden/internal/tiers"
)

// Window names. Buckets are floor(now/size): fixed, not sliding.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
	WindowMonth  = "month"
)

var windowSizes = map[string]time.Duration{
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
	WindowMonth:  30 * 24 * time.Hour,
}

// Bypass detection thresholds: an IP whose hourly count runs this far
// ahead of its user's suggests shared credentials or a distributed
// bypass. Flag only, never block.
const (
	bypassRatio = 3
	bypassFloor = 50
)

// WindowStatus reports one window's counter against its ceiling.
type WindowStatus struct {
	Window    string    `json:"window"`
	Subject   string    `json:"subject"`
	Limit     int64     `json:"limit"`
	Current   int64     `json:"current"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Status is the full rate-limit decision handed back to the caller and
// echoed on rejections.
type Status struct {
	Allowed         bool           `json:"allowed"`
	Reason          string         `json:"reason,omitempty"`
	RetryAfter      time.Duration  `json:"retry_after,omitempty"`
	Windows         []WindowStatus `json:"windows"`
	SuspectedBypass bool           `json:"suspected_bypass,omitempty"`
}

// snapshot is a cached counter value. lastSynced bounds how long it may
// stand in for the store on reads.
type snapshot struct {
	count      int64
	resetAt    time.Time
	lastSynced time.Time
}

type Limiter struct {
	counters     repository.CounterRepository
	table        *tiers.Table
	local        *cache.MemoryCache
	syncInterval time.Duration
	now          func() time.Time
}

func New(counters repository.CounterRepository, table *tiers.Table, local *cache.MemoryCache, syncInterval time.Duration) *Limiter {
	return &Limiter{
		counters:     counters,
		table:        table,
		local:        local,
		syncInterval: syncInterval,
		now:          time.Now,
	}
}

// WithClock overrides the limiter's clock, for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

type windowSpec struct {
	key   db.CounterKey
	name  string
	size  time.Duration
	limit int64
}

// Check runs every applicable counter for (owner, ip) with check-then-
// increment semantics: all counters are read first, the request is
// rejected with the specific window and a retry-after if any ceiling is
// met, and only when all pass are all counters incremented in one
// transaction. Store failures degrade: reads fall back to the last good
// cached value, increment failures under-count instead of rejecting.
func (l *Limiter) Check(ctx context.Context, ownerID, tier, ip string) (*Status, error) {
	limits := l.table.Evaluate(tier)
	now := l.now()
	specs := l.windowSpecs(ownerID, ip, limits, now)

	status := &Status{Allowed: true, Windows: make([]WindowStatus, 0, len(specs))}
	for _, spec := range specs {
		count := l.read(ctx, spec, now)
		resetAt := bucketReset(now, spec.size)
		ws := WindowStatus{
			Window:    spec.name,
			Subject:   spec.key.SubjectKind,
			Limit:     spec.limit,
			Current:   count,
			Remaining: max64(spec.limit-count, 0),
			ResetAt:   resetAt,
		}
		status.Windows = append(status.Windows, ws)

		if count >= spec.limit && status.Allowed {
			status.Allowed = false
			status.Reason = spec.key.SubjectKind + " " + spec.name + " quota"
			status.RetryAfter = resetAt.Sub(now)
		}
	}
	if !status.Allowed {
		return status, nil
	}

	keys := make([]db.CounterKey, len(specs))
	ttls := make([]time.Duration, len(specs))
	for i, spec := range specs {
		keys[i] = spec.key
		ttls[i] = spec.size * 2
	}

	counts, err := l.counters.IncrementAll(ctx, keys, ttls)
	if !reliability.ShouldAllow(reliability.FailOpen, err) {
		// unreachable with FailOpen; kept for symmetry with the guard
		return status, err
	}
	if err != nil {
		// a storage hiccup must under-count, never fail the request
		log.Printf("ratelimit: increment failed, under-counting: %v", err)
		return l.detectBypass(status), nil
	}

	for i, spec := range specs {
		resetAt := bucketReset(now, spec.size)
		l.local.Set(cacheID(spec.key), snapshot{count: counts[i], resetAt: resetAt, lastSynced: now}, spec.size)
		status.Windows[i].Current = counts[i]
		status.Windows[i].Remaining = max64(spec.limit-counts[i], 0)
	}
	return l.detectBypass(status), nil
}

func (l *Limiter) windowSpecs(ownerID, ip string, limits tiers.Limits, now time.Time) []windowSpec {
	specs := make([]windowSpec, 0, 5)
	if limits.BurstPerMinute > 0 {
		specs = append(specs, l.spec(db.SubjectBurst, ownerID, WindowMinute, limits.BurstPerMinute, now))
	}
	specs = append(specs,
		l.spec(db.SubjectUser, ownerID, WindowHour, limits.PerHour, now),
		l.spec(db.SubjectUser, ownerID, WindowDay, limits.PerDay, now),
		l.spec(db.SubjectUser, ownerID, WindowMonth, limits.PerMonth, now),
	)
	if ip != "" && ip != ipresolve.Unknown {
		specs = append(specs, l.spec(db.SubjectIP, ip, WindowHour, limits.IPPerHour(), now))
	}
	return specs
}

func (l *Limiter) spec(kind, id, window string, limit int, now time.Time) windowSpec {
	size := windowSizes[window]
	return windowSpec{
		key: db.CounterKey{
			SubjectKind: kind,
			SubjectID:   id,
			Window:      window,
			Bucket:      bucketIndex(now, size),
		},
		name:  window,
		size:  size,
		limit: int64(limit),
	}
}

// read returns the current count for one window, preferring a fresh cache
// entry, then the store, then a stale cache entry when the store errors.
func (l *Limiter) read(ctx context.Context, spec windowSpec, now time.Time) int64 {
	id := cacheID(spec.key)
	if v, ok := l.local.Get(id); ok {
		// a snapshot from a previous bucket is dead regardless of sync age
		if snap, ok := v.(snapshot); ok && snap.resetAt.After(now) && now.Sub(snap.lastSynced) < l.syncInterval {
			return snap.count
		}
	}

	count, err := l.counters.Get(ctx, spec.key)
	if err != nil {
		if v, ok := l.local.GetStale(id); ok {
			if snap, ok := v.(snapshot); ok && snap.resetAt.After(now) {
				log.Printf("ratelimit: store read failed, serving cached count: %v", err)
				return snap.count
			}
		}
		log.Printf("ratelimit: store read failed, assuming zero: %v", err)
		return 0
	}

	l.local.Set(id, snapshot{count: count, resetAt: bucketReset(now, spec.size), lastSynced: now}, spec.size)
	return count
}

// detectBypass flags an IP hourly count disproportionately ahead of the
// user hourly count. The request itself is never blocked for this.
func (l *Limiter) detectBypass(status *Status) *Status {
	var userHour, ipHour int64
	var seenIP bool
	for _, w := range status.Windows {
		switch {
		case w.Subject == db.SubjectUser && w.Window == WindowHour:
			userHour = w.Current
		case w.Subject == db.SubjectIP && w.Window == WindowHour:
			ipHour = w.Current
			seenIP = true
		}
	}
	if seenIP && ipHour >= bypassFloor && ipHour > bypassRatio*userHour {
		status.SuspectedBypass = true
	}
	return status
}

func bucketIndex(now time.Time, size time.Duration) int64 {
	return now.Unix() / int64(size/time.Second)
}

func bucketReset(now time.Time, size time.Duration) time.Time {
	sec := int64(size / time.Second)
	return time.Unix((now.Unix()/sec+1)*sec, 0)
}

func cacheID(k db.CounterKey) string {
	return "rl:" + k.SubjectKind + ":" + k.SubjectID + ":" + k.Window
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
