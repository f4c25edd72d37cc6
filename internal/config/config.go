package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerPort string
	RedisAddr  string

	// JWTSecret signs owner session tokens for the key-management surface.
	JWTSecret string
	// SignatureSecret keys the request body HMAC when signature
	// verification is enabled. Empty disables the check.
	SignatureSecret string

	// AllowedOrigins is the fixed CORS allow-list. ExpectedHost anchors
	// the CSRF origin/referer check for state-changing calls.
	AllowedOrigins []string
	ExpectedHost   string

	// TrustedProxyFile optionally overrides the embedded trusted-proxy
	// CIDR table (YAML).
	TrustedProxyFile string

	MaxBodyBytes int64
	APIVersion   string

	// CacheSyncInterval bounds how stale the process-local counter cache
	// may get; CacheSweepInterval drives the background eviction loop.
	CacheSyncInterval  time.Duration
	CacheSweepInterval time.Duration

	MaxActiveKeysPerOwner int
	KeyValidityDays       int
}

func Load() *Config {
	return &Config{
		ServerPort:            getEnv("SERVER_PORT", "8080"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-session-secret"),
		SignatureSecret:       getEnv("SIGNATURE_SECRET", ""),
		AllowedOrigins:        getEnvList("ALLOWED_ORIGINS", []string{"https://app.apiwarden.dev"}),
		ExpectedHost:          getEnv("EXPECTED_HOST", "api.apiwarden.dev"),
		TrustedProxyFile:      getEnv("TRUSTED_PROXY_FILE", ""),
		MaxBodyBytes:          getEnvInt64("MAX_BODY_BYTES", 1<<20),
		APIVersion:            getEnv("API_VERSION", "2024-06-01"),
		CacheSyncInterval:     getEnvDuration("CACHE_SYNC_INTERVAL", 10*time.Second),
		CacheSweepInterval:    getEnvDuration("CACHE_SWEEP_INTERVAL", time.Minute),
		MaxActiveKeysPerOwner: getEnvInt("MAX_ACTIVE_KEYS_PER_OWNER", 5),
		KeyValidityDays:       getEnvInt("KEY_VALIDITY_DAYS", 365),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
