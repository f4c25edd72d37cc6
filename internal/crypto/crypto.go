// Package crypto holds the keyed-hashing, comparison and random-generation
// primitives backing API key storage and signature checks.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
)

var ErrNoServerSecret = errors.New("server hash secret is not configured")

const secretEnvVar = "APIWARDEN_HASH_SECRET"

// Hasher derives digests with a server-held secret so a storage breach
// never exposes usable credentials. The secret is resolved lazily on first
// use: a missing secret is fatal for live traffic but must not break
// builds or tooling at load time.
type Hasher struct {
	once   sync.Once
	secret []byte
	err    error

	// explicit key for tests and injection; bypasses the env lookup
	explicit []byte
}

func NewHasher() *Hasher {
	return &Hasher{}
}

// NewHasherWithSecret builds a Hasher with a fixed key, for tests and for
// deployments that inject the secret rather than reading the environment.
func NewHasherWithSecret(secret []byte) *Hasher {
	return &Hasher{explicit: secret}
}

func (h *Hasher) key() ([]byte, error) {
	if h.explicit != nil {
		return h.explicit, nil
	}
	h.once.Do(func() {
		v := os.Getenv(secretEnvVar)
		if v == "" {
			h.err = ErrNoServerSecret
			return
		}
		h.secret = []byte(v)
	})
	return h.secret, h.err
}

// HashSecret returns the hex HMAC-SHA256 digest of the raw secret.
func (h *Hasher) HashSecret(secret string) (string, error) {
	return h.mac("verify:", secret)
}

// DeriveLookupID returns a deterministic fixed-length digest used as the
// storage row key, so validation is an O(1) point lookup. Domain-separated
// from HashSecret so the two digests never coincide.
func (h *Hasher) DeriveLookupID(secret string) (string, error) {
	d, err := h.mac("lookup:", secret)
	if err != nil {
		return "", err
	}
	return d[:32], nil
}

func (h *Hasher) mac(domain, secret string) (string, error) {
	key, err := h.key()
	if err != nil {
		return "", err
	}
	m := hmac.New(sha256.New, key)
	m.Write([]byte(domain))
	m.Write([]byte(secret))
	return hex.EncodeToString(m.Sum(nil)), nil
}

// VerifySecret recomputes the keyed hash of the presented secret and
// compares it to the stored digest in constant time. Both sides are
// re-digested to fixed length first, so a length mismatch follows the
// exact same code path as a content mismatch.
func (h *Hasher) VerifySecret(secret, storedHash string) (bool, error) {
	computed, err := h.HashSecret(secret)
	if err != nil {
		return false, err
	}
	return ConstantTimeEqual([]byte(computed), []byte(storedHash)), nil
}

// ConstantTimeEqual compares two byte slices without short-circuiting on
// length or early-byte mismatch.
func ConstantTimeEqual(a, b []byte) bool {
	da := sha256.Sum256(a)
	db := sha256.Sum256(b)
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}

// GenerateToken returns n bytes of cryptographically secure randomness as
// unpadded url-safe base64.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
