// Package authn composes credential extraction, brute-force defense,
// sanitization, key validation, rate limiting and audit into the single
// entry point route handlers call.
package authn

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/mavirek/apiwarden/internal/apierr"
	"github.com/mavirek/apiwarden/internal/audit"
	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/ipresolve"
	"github.com/mavirek/apiwarden/internal/keys"
	"github.com/mavirek/apiwarden/internal/metrics"
	"github.com/mavirek/apiwarden/internal/middleware"
	"github.com/mavirek/apiwarden/internal/ratelimit"
	"github.com/mavirek/apiwarden/internal/sanitize"
)

// Credential headers.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderUserEmail = "X-User-Email"
)

// bruteForceScope keys the attempt counter for the API auth context.
const bruteForceScope = "api_auth"

// Result is returned to route handlers on success.
type Result struct {
	Owner     *db.Owner
	Key       *db.APIKey
	RateLimit *ratelimit.Status
	RequestID string
}

type Authenticator struct {
	keys     *keys.Manager
	limiter  *ratelimit.Limiter
	guard    *ratelimit.BruteForceGuard
	trail    *audit.Trail
	resolver *ipresolve.Resolver
	metrics  *metrics.Metrics
}

func New(km *keys.Manager, limiter *ratelimit.Limiter, guard *ratelimit.BruteForceGuard, trail *audit.Trail, resolver *ipresolve.Resolver, m *metrics.Metrics) *Authenticator {
	return &Authenticator{
		keys:     km,
		limiter:  limiter,
		guard:    guard,
		trail:    trail,
		resolver: resolver,
		metrics:  m,
	}
}

// AuthenticateRequest runs the full admission flow. Every failure branch
// produces both a typed error for the caller and a best-effort audit
// entry; the two are independent. Audit and usage side effects run on a
// cancellation-free context: an abandoned client request still completes
// them, for audit completeness.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*Result, *apierr.Error) {
	ctx := r.Context()
	side := context.WithoutCancel(ctx)

	requestID := middleware.GetRequestID(ctx)
	if requestID == "" {
		requestID = audit.RequestID(r.Header.Get("X-Request-Id"))
	}
	ip := a.resolver.ClientIP(r)
	rc := audit.RequestContext{
		RequestID: requestID,
		Method:    r.Method,
		Endpoint:  r.URL.Path,
		IP:        ip,
		UserAgent: r.UserAgent(),
	}

	// 1. credential extraction
	rawKey := r.Header.Get(HeaderAPIKey)
	rawEmail := r.Header.Get(HeaderUserEmail)
	if rawKey == "" || rawEmail == "" {
		a.metrics.AuthFailure(apierr.CodeMissingCredentials)
		a.trail.LogSecurityEvent(side, db.EventAuthFailure, rc, "missing credential headers", nil)
		return nil, withID(apierr.MissingCredentials(), requestID)
	}

	// 2. brute-force guard on the resolved caller IP
	if ok, retryAfter := a.guard.Allowed(ctx, bruteForceScope, ip); !ok {
		a.metrics.AuthFailure(db.EventBruteForce)
		a.trail.LogSecurityEvent(side, db.EventBruteForce, rc, "attempt limit reached", nil)
		return nil, withID(apierr.RateLimitExceeded("too many failed attempts", int(retryAfter.Seconds())), requestID)
	}

	// 3. credential format validation
	cleanKey, keyErr := sanitize.APIKeyFormat(rawKey)
	cleanEmail, emailErr := sanitize.Email(rawEmail)
	if keyErr != nil || emailErr != nil {
		a.guard.RecordFailure(side, bruteForceScope, ip)
		a.metrics.AuthFailure(apierr.CodeMalformedCredentials)
		a.trail.LogSecurityEvent(side, db.EventAuthFailure, rc, "malformed credential format", nil)
		return nil, withID(apierr.MalformedCredentials(), requestID)
	}

	// 4-5. key validation and owner load; the specific failure kind is
	// logged internally but never distinguishable externally
	record, owner, err := a.keys.Validate(ctx, cleanKey, cleanEmail)
	if err != nil {
		a.guard.RecordFailure(side, bruteForceScope, ip)
		return nil, a.validationFailure(side, rc, requestID, err)
	}
	rc.OwnerUserID = owner.ID
	rc.KeyID = record.ID

	// 6. quota and bypass status for (owner, ip)
	status, err := a.limiter.Check(ctx, owner.ID, owner.Tier, ip)
	if err != nil {
		// the limiter fails open internally; an error here is terminal
		log.Printf("authn: limiter error: %v", err)
		status = &ratelimit.Status{Allowed: true}
	}
	if status.SuspectedBypass {
		a.metrics.BypassSuspected()
		a.trail.LogSecurityEvent(side, db.EventBypassSuspected, rc,
			"source ip hourly volume disproportionate to user volume",
			map[string]interface{}{"ip": ip})
	}
	if !status.Allowed {
		a.metrics.RateLimited(status.Reason)
		a.trail.LogSecurityEvent(side, db.EventRateLimited, rc, status.Reason,
			map[string]interface{}{"retry_after_seconds": int(status.RetryAfter.Seconds())})
		return nil, withID(apierr.RateLimitExceeded(status.Reason, int(status.RetryAfter.Seconds())), requestID)
	}

	// 7. best-effort usage accounting
	a.keys.RecordUsage(side, record.ID)

	// 8. best-effort brute-force reset
	a.guard.Clear(side, bruteForceScope, ip)

	// 9
	return &Result{Owner: owner, Key: record, RateLimit: status, RequestID: requestID}, nil
}

// validationFailure maps the internal validation outcome to its audit
// kind and its deliberately generic external error.
func (a *Authenticator) validationFailure(ctx context.Context, rc audit.RequestContext, requestID string, err error) *apierr.Error {
	switch {
	case errors.Is(err, keys.ErrExpiredKey):
		a.metrics.AuthFailure(apierr.CodeExpiredKey)
		a.trail.LogSecurityEvent(ctx, db.EventExpiredKey, rc, err.Error(), nil)
		return withID(apierr.ExpiredKey(), requestID)
	case errors.Is(err, keys.ErrTierDowngraded):
		a.metrics.AuthFailure(db.EventTierDowngraded)
		a.trail.LogSecurityEvent(ctx, db.EventTierDowngraded, rc, err.Error(), nil)
		// reuses the generic invalid-key message externally
		return withID(apierr.InvalidKey(), requestID)
	case errors.Is(err, keys.ErrInvalidKey):
		a.metrics.AuthFailure(apierr.CodeInvalidKey)
		a.trail.LogSecurityEvent(ctx, db.EventInvalidKey, rc, err.Error(), nil)
		return withID(apierr.InvalidKey(), requestID)
	default:
		// infrastructure failure during validation: log the cause, fail
		// closed with the generic rejection, surface nothing internal
		log.Printf("authn: key validation infrastructure error: %v", err)
		a.metrics.AuthFailure(apierr.CodeInvalidKey)
		a.trail.LogSecurityEvent(ctx, db.EventAuthFailure, rc, "validation backend unavailable", nil)
		return withID(apierr.InvalidKey(), requestID)
	}
}

func withID(e *apierr.Error, requestID string) *apierr.Error {
	e.RequestID = requestID
	return e
}
