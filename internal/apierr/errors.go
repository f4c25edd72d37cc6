// Package apierr defines the typed errors surfaced at the authentication
// boundary. Internal causes (store outages, logging failures) never become
// one of these; they are swallowed at their call sites.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
)

// Stable machine codes.
const (
	CodeMissingCredentials   = "missing_credentials"
	CodeMalformedCredentials = "malformed_credentials"
	CodeInvalidKey           = "invalid_key"
	CodeExpiredKey           = "expired_key"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeRequestTooLarge      = "request_too_large"
	CodeContentTypeInvalid   = "content_type_invalid"
	CodeSignatureInvalid     = "signature_invalid"
	CodeOriginMismatch       = "origin_mismatch"
)

// Error is the small structured error returned to callers. RetryAfter is
// set (in seconds) only on rate-limit rejections.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	RetryAfter int    `json:"retry_after,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func MissingCredentials() *Error {
	return &Error{Code: CodeMissingCredentials, Message: "API key required", HTTPStatus: http.StatusUnauthorized}
}

func MalformedCredentials() *Error {
	return &Error{Code: CodeMalformedCredentials, Message: "invalid credential format", HTTPStatus: http.StatusUnauthorized}
}

// InvalidKey is the generic failure for every key-validation outcome that
// must stay externally indistinguishable: unknown key, revoked key, email
// mismatch, downgraded owner.
func InvalidKey() *Error {
	return &Error{Code: CodeInvalidKey, Message: "invalid API key", HTTPStatus: http.StatusUnauthorized}
}

func ExpiredKey() *Error {
	return &Error{Code: CodeExpiredKey, Message: "API key expired", HTTPStatus: http.StatusUnauthorized}
}

func RateLimitExceeded(reason string, retryAfter int) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded: " + reason,
		HTTPStatus: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

func RequestTooLarge(max int64) *Error {
	return &Error{
		Code:       CodeRequestTooLarge,
		Message:    fmt.Sprintf("request body exceeds %d bytes", max),
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}

func ContentTypeInvalid() *Error {
	return &Error{Code: CodeContentTypeInvalid, Message: "unsupported content type", HTTPStatus: http.StatusUnsupportedMediaType}
}

func SignatureInvalid() *Error {
	return &Error{Code: CodeSignatureInvalid, Message: "invalid request signature", HTTPStatus: http.StatusUnauthorized}
}

func OriginMismatch() *Error {
	return &Error{Code: CodeOriginMismatch, Message: "origin not allowed", HTTPStatus: http.StatusForbidden}
}

// sensitivePatterns match message fragments that must never leave the
// process: credentials, storage internals, stack traces, file paths.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|secret|bearer |aw_[A-Za-z0-9_-]+)`),
	regexp.MustCompile(`(?i)(redis|dial tcp|connection refused|connection reset|i/o timeout|EOF)`),
	regexp.MustCompile(`(?i)(goroutine \d+|runtime error|panic:)`),
	regexp.MustCompile(`(/[a-zA-Z0-9_.-]+){2,}`),
}

// Sanitize returns a copy safe to serialize to a caller. Any message that
// trips a sensitive pattern is replaced wholesale with a generic one; the
// precise internal message stays on the audit path.
func Sanitize(e *Error) *Error {
	out := *e
	for _, p := range sensitivePatterns {
		if p.MatchString(out.Message) {
			out.Message = "request could not be processed"
			break
		}
	}
	return &out
}

// Write serializes the error as the HTTP response, applying the sensitive
// filter and the Retry-After header for 429s.
func Write(w http.ResponseWriter, e *Error) {
	safe := Sanitize(e)
	w.Header().Set("Content-Type", "application/json")
	if safe.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", safe.RetryAfter))
	}
	w.WriteHeader(safe.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]*Error{"error": safe})
}
