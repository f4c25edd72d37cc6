// Package sanitize normalizes and validates untrusted strings before they
// reach logging, storage, or comparison code.
package sanitize

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
)

var (
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrSuspiciousQuery  = errors.New("query value contains disallowed tokens")
)

// MaxStringLength caps sanitized strings to bound memory and log size.
const MaxStringLength = 1000

// KeyPrefix is the fixed prefix of issued API keys. MinKeyLength is the
// shortest raw key the sanitizer will accept.
const (
	KeyPrefix    = "aw"
	MinKeyLength = 20
)

var (
	scriptTagRe    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>|<script[^>]*>`)
	htmlTagRe      = regexp.MustCompile(`<[^>]*>`)
	uriSchemeRe    = regexp.MustCompile(`(?i)\b(javascript|vbscript|data)\s*:`)
	eventHandlerRe = regexp.MustCompile(`(?i)\bon\w+\s*=`)
	emailRe        = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	apiKeyRe       = regexp.MustCompile(`^` + KeyPrefix + `_[A-Za-z0-9_-]+$`)
	queryTokenRe   = regexp.MustCompile(`(?i)['"` + "`" + `;\\]|--|/\*|\*/|#|\b(or|and)\b\s+\d+\s*=\s*\d+`)
)

// String trims, strips control characters, dangerous URI schemes, script
// tags and inline event handlers, then caps the length. Idempotent.
func String(s string) string {
	s = strings.TrimSpace(s)
	s = stripControl(s)
	s = scriptTagRe.ReplaceAllString(s, "")
	s = uriSchemeRe.ReplaceAllString(s, "")
	s = eventHandlerRe.ReplaceAllString(s, "")
	if len(s) > MaxStringLength {
		s = s[:MaxStringLength]
	}
	return strings.TrimSpace(s)
}

// HTML strips all markup. The product never renders user-supplied markup,
// so the whitelist is empty.
func HTML(s string) string {
	s = scriptTagRe.ReplaceAllString(s, "")
	s = htmlTagRe.ReplaceAllString(s, "")
	return String(s)
}

// Object walks an arbitrarily nested structure of maps, slices and
// scalars, sanitizing every string leaf and every map key. Non-string
// scalars pass through unchanged.
func Object(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[String(k)] = Object(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Object(val)
		}
		return out
	default:
		return v
	}
}

// Email sanitizes then validates against a strict grammar. Malformed input
// is rejected, never coerced.
func Email(s string) (string, error) {
	s = strings.ToLower(String(s))
	if s == "" || len(s) > 254 || !emailRe.MatchString(s) {
		return "", ErrInvalidEmail
	}
	return s, nil
}

// APIKeyFormat validates the textual shape of a presented key:
// <prefix>_<random>, minimum total length, restricted charset. The value
// itself is never modified; a key that needs sanitizing is not a key.
func APIKeyFormat(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < MinKeyLength || len(trimmed) > 128 {
		return "", ErrInvalidKeyFormat
	}
	if !apiKeyRe.MatchString(trimmed) {
		return "", ErrInvalidKeyFormat
	}
	return trimmed, nil
}

// ForStorageQuery additionally strips quote and comment delimiters and
// operator-like tokens meaningful to query languages. If sanitization
// changed the value at all the input is rejected outright: a suspicious
// payload is never silently accepted in weakened form.
func ForStorageQuery(s string) (string, error) {
	clean := String(s)
	if queryTokenRe.MatchString(clean) {
		return "", ErrSuspiciousQuery
	}
	if clean != strings.TrimSpace(s) {
		return "", ErrSuspiciousQuery
	}
	return clean, nil
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}
