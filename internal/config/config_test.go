package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q", cfg.ServerPort)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.SignatureSecret != "" {
		t.Error("signature verification should default to disabled")
	}
	if cfg.MaxActiveKeysPerOwner != 5 || cfg.KeyValidityDays != 365 {
		t.Errorf("key defaults: max=%d validity=%d", cfg.MaxActiveKeysPerOwner, cfg.KeyValidityDays)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("CACHE_SYNC_INTERVAL", "30s")
	t.Setenv("MAX_ACTIVE_KEYS_PER_OWNER", "2")

	cfg := Load()
	if cfg.ServerPort != "9999" {
		t.Errorf("ServerPort = %q", cfg.ServerPort)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.CacheSyncInterval != 30*time.Second {
		t.Errorf("CacheSyncInterval = %v", cfg.CacheSyncInterval)
	}
	if cfg.MaxActiveKeysPerOwner != 2 {
		t.Errorf("MaxActiveKeysPerOwner = %d", cfg.MaxActiveKeysPerOwner)
	}
}

func TestMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("MAX_BODY_BYTES", "lots")
	t.Setenv("CACHE_SWEEP_INTERVAL", "soonish")

	cfg := Load()
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.CacheSweepInterval != time.Minute {
		t.Errorf("CacheSweepInterval = %v", cfg.CacheSweepInterval)
	}
}
