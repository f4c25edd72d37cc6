// Package audit writes the append-only trail of completed requests and
// security events. Logging is strictly best-effort: a failure to log is
// itself only logged operationally and never audited, so a broken store
// cannot amplify into recursive failures or caller-visible errors.
package audit

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/ipresolve"
	"github.com/mavirek/apiwarden/internal/repository"
)

// RequestContext carries the request facts an audit entry needs. IP is
// the already-resolved client address.
type RequestContext struct {
	RequestID   string
	Method      string
	Endpoint    string
	IP          string
	UserAgent   string
	OwnerUserID string
	KeyID       string
}

type Trail struct {
	repo          repository.AuditRepository
	now           func() time.Time
	onAppendError func()
}

func NewTrail(repo repository.AuditRepository) *Trail {
	return &Trail{repo: repo, now: time.Now}
}

// WithClock overrides the trail's clock, for tests.
func (t *Trail) WithClock(now func() time.Time) *Trail {
	t.now = now
	return t
}

// OnAppendError registers a counter hook fired when a store append is
// dropped.
func (t *Trail) OnAppendError(f func()) {
	t.onAppendError = f
}

var requestIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// RequestID returns the supplied correlation id when well-formed,
// otherwise mints a fresh one.
func RequestID(supplied string) string {
	supplied = strings.TrimSpace(supplied)
	if requestIDRe.MatchString(supplied) {
		return supplied
	}
	return uuid.NewString()
}

// LogRequest appends a record for a completed request.
func (t *Trail) LogRequest(ctx context.Context, rc RequestContext, statusCode int, reqSize, respSize int64, duration time.Duration) {
	entry := t.base(rc)
	entry.EventKind = "request"
	entry.StatusCode = statusCode
	entry.RequestSize = reqSize
	entry.ResponseSize = respSize
	entry.DurationMS = duration.Milliseconds()
	t.append(ctx, entry)
}

// LogSecurityEvent appends a record for a security-relevant event:
// authentication failures, invalid or expired key use, rate-limit
// rejections, detected spoofing or bypass, suspicious client signatures.
// Never panics out and never returns an error.
func (t *Trail) LogSecurityEvent(ctx context.Context, kind string, rc RequestContext, errMsg string, metadata map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("audit: recovered while logging %s: %v", kind, r)
		}
	}()

	entry := t.base(rc)
	entry.EventKind = kind
	entry.ErrorMessage = errMsg
	if metadata != nil {
		maskSensitive(metadata)
		entry.Metadata = metadata
	}
	t.append(ctx, entry)
}

func (t *Trail) base(rc RequestContext) *db.AuditLogEntry {
	ip := rc.IP
	if ip == "" {
		ip = ipresolve.Unknown
	}
	return &db.AuditLogEntry{
		ID:          uuid.NewString(),
		RequestID:   RequestID(rc.RequestID),
		Timestamp:   t.now(),
		OwnerUserID: rc.OwnerUserID,
		KeyID:       rc.KeyID,
		Endpoint:    rc.Endpoint,
		Method:      rc.Method,
		IPAddress:   ip,
		UserAgent:   rc.UserAgent,
	}
}

// append swallows store errors: a logging hiccup must never surface to
// the caller or trigger further audit writes.
func (t *Trail) append(ctx context.Context, entry *db.AuditLogEntry) {
	if err := t.repo.Append(ctx, entry); err != nil {
		log.Printf("audit: append failed (%s): %v", entry.EventKind, err)
		if t.onAppendError != nil {
			t.onAppendError()
		}
	}
}

var sensitiveKeys = []string{"api_key", "password", "token", "secret", "authorization"}

func maskSensitive(m map[string]interface{}) {
	for k := range m {
		lowerK := strings.ToLower(k)
		for _, s := range sensitiveKeys {
			if strings.Contains(lowerK, s) {
				m[k] = "***REDACTED***"
				break
			}
		}
	}
}
