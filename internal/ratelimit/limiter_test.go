package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mavirek/apiwarden/internal/cache"
	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/repository/memory"
	"github.com/mavirek/apiwarden/internal/tiers"
)

var testStart = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func newTestLimiter(limits tiers.Limits) (*Limiter, *memory.Repository, *time.Time) {
	repo := memory.New()
	table := tiers.NewTable()
	table.Load(map[string]tiers.Limits{db.TierPro: limits})

	now := testStart
	l := New(repo.Counters(), table, cache.NewMemoryCache(), 10*time.Second).
		WithClock(func() time.Time { return now })
	return l, repo, &now
}

func TestCheckAllowsUnderCeiling(t *testing.T) {
	l, _, _ := newTestLimiter(tiers.Limits{PerHour: 10, PerDay: 100, PerMonth: 1000})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		st, err := l.Check(ctx, "owner-1", db.TierPro, "203.0.113.7")
		if err != nil {
			t.Fatalf("Check %d: %v", i+1, err)
		}
		if !st.Allowed {
			t.Fatalf("request %d rejected below ceiling: %s", i+1, st.Reason)
		}
	}
}

func TestCheckRejectsAtCeiling(t *testing.T) {
	l, _, _ := newTestLimiter(tiers.Limits{PerHour: 10, PerDay: 100, PerMonth: 1000})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if st, _ := l.Check(ctx, "owner-1", db.TierPro, "203.0.113.7"); !st.Allowed {
			t.Fatalf("request %d rejected early", i+1)
		}
	}

	st, err := l.Check(ctx, "owner-1", db.TierPro, "203.0.113.7")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.Allowed {
		t.Fatal("request over ceiling allowed")
	}
	if !strings.Contains(st.Reason, WindowHour) {
		t.Errorf("expected hourly window in reason, got %q", st.Reason)
	}
	// Clock is pinned at 10:30:00; the hourly bucket resets at 11:00:00.
	if st.RetryAfter != 30*time.Minute {
		t.Errorf("retry-after %v, want exactly 30m until the bucket boundary", st.RetryAfter)
	}

	for _, w := range st.Windows {
		if w.Subject == db.SubjectUser && w.Window == WindowHour {
			if w.Remaining != 0 {
				t.Errorf("expected remaining 0 in exhausted window, got %d", w.Remaining)
			}
			if w.Current != 10 {
				t.Errorf("expected current 10, got %d", w.Current)
			}
		}
	}
}

func TestCheckRejectionDoesNotIncrement(t *testing.T) {
	l, repo, _ := newTestLimiter(tiers.Limits{PerHour: 2, PerDay: 100, PerMonth: 1000})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l.Check(ctx, "owner-1", db.TierPro, "")
	}
	for i := 0; i < 5; i++ {
		if st, _ := l.Check(ctx, "owner-1", db.TierPro, ""); st.Allowed {
			t.Fatal("expected rejection")
		}
	}

	key := db.CounterKey{
		SubjectKind: db.SubjectUser,
		SubjectID:   "owner-1",
		Window:      WindowHour,
		Bucket:      bucketIndex(testStart, time.Hour),
	}
	count, err := repo.Counters().Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if count != 2 {
		t.Errorf("rejected requests consumed quota: count %d, want 2", count)
	}
}

func TestCheckBurstWindow(t *testing.T) {
	l, _, _ := newTestLimiter(tiers.Limits{BurstPerMinute: 2, PerHour: 100, PerDay: 1000, PerMonth: 10000})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if st, _ := l.Check(ctx, "owner-1", db.TierPro, ""); !st.Allowed {
			t.Fatalf("burst request %d rejected", i+1)
		}
	}
	st, _ := l.Check(ctx, "owner-1", db.TierPro, "")
	if st.Allowed {
		t.Fatal("expected burst rejection")
	}
	if !strings.Contains(st.Reason, WindowMinute) {
		t.Errorf("expected minute window in reason, got %q", st.Reason)
	}
	if st.RetryAfter != time.Minute {
		t.Errorf("retry-after %v, want exactly 1m until the bucket boundary", st.RetryAfter)
	}
}

func TestCheckWindowRollover(t *testing.T) {
	l, _, now := newTestLimiter(tiers.Limits{PerHour: 2, PerDay: 100, PerMonth: 1000})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l.Check(ctx, "owner-1", db.TierPro, "")
	}
	if st, _ := l.Check(ctx, "owner-1", db.TierPro, ""); st.Allowed {
		t.Fatal("expected rejection before rollover")
	}

	*now = now.Add(61 * time.Minute)
	st, _ := l.Check(ctx, "owner-1", db.TierPro, "")
	if !st.Allowed {
		t.Fatalf("expected fresh window after rollover, got %s", st.Reason)
	}
}

func TestCheckSkipsIPWindowWhenUnresolved(t *testing.T) {
	l, _, _ := newTestLimiter(tiers.Limits{PerHour: 10, PerDay: 100, PerMonth: 1000})

	st, _ := l.Check(context.Background(), "owner-1", db.TierPro, "unknown")
	for _, w := range st.Windows {
		if w.Subject == db.SubjectIP {
			t.Error("ip window tracked for unresolved address")
		}
	}
}

func TestCheckBypassDetection(t *testing.T) {
	l, _, _ := newTestLimiter(tiers.Limits{PerHour: 1000, PerDay: 10000, PerMonth: 100000})
	ctx := context.Background()

	// Many distinct owners funneled through one address: each owner's
	// hourly count stays at 1 while the ip count climbs.
	var last *Status
	for i := 0; i < 50; i++ {
		st, err := l.Check(ctx, fmt.Sprintf("owner-%d", i), db.TierPro, "203.0.113.7")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !st.Allowed {
			t.Fatalf("request %d blocked; bypass detection must not block", i+1)
		}
		last = st
	}
	if !last.SuspectedBypass {
		t.Error("expected bypass suspicion after disproportionate ip traffic")
	}
}

func TestCheckReadFailureFailsOpen(t *testing.T) {
	l, repo, _ := newTestLimiter(tiers.Limits{PerHour: 10, PerDay: 100, PerMonth: 1000})
	repo.FailReads = errors.New("store down")

	st, err := l.Check(context.Background(), "owner-1", db.TierPro, "203.0.113.7")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !st.Allowed {
		t.Error("store read failure must not reject the request")
	}
}

func TestCheckIncrementFailureUnderCounts(t *testing.T) {
	l, repo, _ := newTestLimiter(tiers.Limits{PerHour: 10, PerDay: 100, PerMonth: 1000})
	repo.FailWrites = errors.New("store down")

	st, err := l.Check(context.Background(), "owner-1", db.TierPro, "")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !st.Allowed {
		t.Error("increment failure must not reject the request")
	}
}

func TestCheckServesStaleCacheOnReadFailure(t *testing.T) {
	l, repo, now := newTestLimiter(tiers.Limits{PerHour: 10, PerDay: 100, PerMonth: 1000})
	ctx := context.Background()

	// Warm the cache with one successful pass.
	if st, _ := l.Check(ctx, "owner-1", db.TierPro, ""); !st.Allowed {
		t.Fatal("warmup rejected")
	}

	// Past the sync interval the cache is no longer fresh; with the store
	// down and writes failing, the stale snapshot is what gets reported.
	*now = now.Add(30 * time.Second)
	repo.FailReads = errors.New("store down")
	repo.FailWrites = errors.New("store down")

	st, err := l.Check(ctx, "owner-1", db.TierPro, "")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !st.Allowed {
		t.Fatal("expected fail-open")
	}
	for _, w := range st.Windows {
		if w.Subject == db.SubjectUser && w.Window == WindowHour && w.Current != 1 {
			t.Errorf("expected stale count 1, got %d", w.Current)
		}
	}
}
