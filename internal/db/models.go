package db

import (
	"time"
)

// Subscription tiers. Only paid tiers may hold API keys.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// PaidTier reports whether the tier grants API key access.
func PaidTier(tier string) bool {
	return tier == TierPro || tier == TierEnterprise
}

// Key statuses. The only legal transition is active -> revoked.
const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
)

type Owner struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Tier         string    `json:"tier"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// KeyPermissions carries capability flags and the numeric quota ceilings
// frozen into the key at mint time. Ceilings are re-derived from the live
// tier on every validation; the stored copy exists for audit and listing.
type KeyPermissions struct {
	CanRead        bool `json:"can_read"`
	CanWrite       bool `json:"can_write"`
	HourlyCeiling  int  `json:"hourly_ceiling"`
	DailyCeiling   int  `json:"daily_ceiling"`
	MonthlyCeiling int  `json:"monthly_ceiling"`
}

type KeyUsage struct {
	RequestsToday     int64     `json:"requests_today"`
	RequestsThisMonth int64     `json:"requests_this_month"`
	TotalRequests     int64     `json:"total_requests"`
	LastUsedAt        time.Time `json:"last_used_at"`
}

// APIKey is the stored key record. ID is the derived lookup digest of the
// raw secret, never the secret itself; SecretHash is the keyed hash used
// for verification. Prefix keeps the first clear characters for display.
type APIKey struct {
	ID            string         `json:"id"`
	OwnerUserID   string         `json:"owner_user_id"`
	OwnerEmail    string         `json:"owner_email"`
	SecretHash    string         `json:"-"`
	Prefix        string         `json:"prefix"`
	Label         string         `json:"label"`
	Tier          string         `json:"tier"`
	Status        string         `json:"status"`
	Permissions   KeyPermissions `json:"permissions"`
	Usage         KeyUsage       `json:"usage"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	LastRotatedAt time.Time      `json:"last_rotated_at,omitzero"`
}

// Active reports whether the key is usable at the given instant.
func (k *APIKey) Active(now time.Time) bool {
	return k.Status == KeyStatusActive && now.Before(k.ExpiresAt)
}

// Counter subject kinds.
const (
	SubjectUser  = "user"
	SubjectIP    = "ip"
	SubjectBurst = "burst"
)

// CounterKey is the composite key of a fixed-window counter. Bucket is
// floor(now/window), so expiry needs no bookkeeping beyond a TTL.
type CounterKey struct {
	SubjectKind string
	SubjectID   string
	Window      string
	Bucket      int64
}

// RateLimitCounter is a single fixed-window counter value. Count only
// increases within a bucket.
type RateLimitCounter struct {
	Key     CounterKey
	Count   int64
	ResetAt time.Time
}

// Audit event kinds for security events.
const (
	EventAuthFailure      = "auth_failure"
	EventInvalidKey       = "invalid_key"
	EventExpiredKey       = "expired_key"
	EventTierDowngraded   = "tier_downgraded"
	EventRateLimited      = "rate_limit_exceeded"
	EventBruteForce       = "brute_force_blocked"
	EventBypassSuspected  = "bypass_suspected"
	EventSuspiciousClient = "suspicious_client"
	EventOriginMismatch   = "origin_mismatch"
	EventSignatureInvalid = "signature_invalid"
	EventKeyCreated       = "key_created"
	EventKeyRevoked       = "key_revoked"
	EventKeyRotated       = "key_rotated"
)

// AuditLogEntry is immutable and append-only. Never updated or deleted.
type AuditLogEntry struct {
	ID           string                 `json:"id"`
	RequestID    string                 `json:"request_id"`
	Timestamp    time.Time              `json:"timestamp"`
	OwnerUserID  string                 `json:"owner_user_id,omitempty"`
	KeyID        string                 `json:"key_id,omitempty"`
	EventKind    string                 `json:"event_kind"`
	Endpoint     string                 `json:"endpoint"`
	Method       string                 `json:"method"`
	StatusCode   int                    `json:"status_code"`
	IPAddress    string                 `json:"ip_address"`
	UserAgent    string                 `json:"user_agent"`
	RequestSize  int64                  `json:"request_size,omitempty"`
	ResponseSize int64                  `json:"response_size,omitempty"`
	DurationMS   int64                  `json:"duration_ms,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
