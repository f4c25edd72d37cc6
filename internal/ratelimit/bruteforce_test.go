package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mavirek/apiwarden/internal/repository/memory"
)

func newTestGuard() (*BruteForceGuard, *memory.Repository, *time.Time) {
	repo := memory.New()
	now := testStart
	g := NewBruteForceGuard(repo.Counters()).
		WithClock(func() time.Time { return now })
	return g, repo, &now
}

func TestGuardAllowsUnderLimit(t *testing.T) {
	g, _, _ := newTestGuard()
	ctx := context.Background()

	for i := 0; i < DefaultAttemptLimit; i++ {
		ok, _ := g.Allowed(ctx, "api_auth", "203.0.113.7")
		if !ok {
			t.Fatalf("attempt %d blocked below limit", i+1)
		}
		g.RecordFailure(ctx, "api_auth", "203.0.113.7")
	}
}

func TestGuardBlocksAtLimit(t *testing.T) {
	g, _, _ := newTestGuard()
	ctx := context.Background()

	for i := 0; i < DefaultAttemptLimit; i++ {
		g.RecordFailure(ctx, "api_auth", "203.0.113.7")
	}

	ok, retry := g.Allowed(ctx, "api_auth", "203.0.113.7")
	if ok {
		t.Fatal("expected block after limit failures")
	}
	if retry <= 0 || retry > time.Minute {
		t.Errorf("retry %v outside (0, window]", retry)
	}
}

func TestGuardScopesAreIndependent(t *testing.T) {
	g, _, _ := newTestGuard()
	ctx := context.Background()

	for i := 0; i < DefaultAttemptLimit; i++ {
		g.RecordFailure(ctx, "api_auth", "203.0.113.7")
	}

	if ok, _ := g.Allowed(ctx, "login", "203.0.113.7"); !ok {
		t.Error("failures in one scope blocked another")
	}
	if ok, _ := g.Allowed(ctx, "api_auth", "198.51.100.4"); !ok {
		t.Error("failures for one identifier blocked another")
	}
}

func TestGuardClearResetsWindow(t *testing.T) {
	g, _, _ := newTestGuard()
	ctx := context.Background()

	for i := 0; i < DefaultAttemptLimit; i++ {
		g.RecordFailure(ctx, "api_auth", "203.0.113.7")
	}
	if ok, _ := g.Allowed(ctx, "api_auth", "203.0.113.7"); ok {
		t.Fatal("expected block before clear")
	}

	g.Clear(ctx, "api_auth", "203.0.113.7")
	if ok, _ := g.Allowed(ctx, "api_auth", "203.0.113.7"); !ok {
		t.Error("expected fresh window after clear")
	}
}

func TestGuardWindowExpires(t *testing.T) {
	g, _, now := newTestGuard()
	ctx := context.Background()

	for i := 0; i < DefaultAttemptLimit; i++ {
		g.RecordFailure(ctx, "api_auth", "203.0.113.7")
	}

	*now = now.Add(2 * time.Minute)
	if ok, _ := g.Allowed(ctx, "api_auth", "203.0.113.7"); !ok {
		t.Error("expected new window after the minute rolled over")
	}
}

func TestGuardReadFailureFailsOpen(t *testing.T) {
	g, repo, _ := newTestGuard()
	repo.FailReads = errors.New("store down")

	ok, _ := g.Allowed(context.Background(), "api_auth", "203.0.113.7")
	if !ok {
		t.Error("store read failure must not block authentication")
	}
}
