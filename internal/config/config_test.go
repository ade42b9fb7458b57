package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q, want :8787", cfg.Addr)
	}
	if cfg.AccessTTL() != 15*time.Minute {
		t.Fatalf("AccessTTL() = %v, want 15m", cfg.AccessTTL())
	}
	if cfg.PendingTTL != 0 {
		t.Fatalf("PendingTTL = %v, want disabled", cfg.PendingTTL)
	}
	if cfg.BcryptCost != 10 {
		t.Fatalf("BcryptCost = %d, want 10", cfg.BcryptCost)
	}
	if cfg.EventsChannel != "baseline:events" {
		t.Fatalf("EventsChannel = %q", cfg.EventsChannel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("BASELINE_PENDING_TTL", "72h")
	t.Setenv("ARCHIVE_USE_SSL", "false")
	t.Setenv("BASELINE_BOOTSTRAP_ADMIN", "Root")
	t.Setenv("BASELINE_BOOTSTRAP_ADMIN_PASSWORD", "root-password")
	t.Setenv("BASELINE_BCRYPT_COST", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.PendingTTL != 72*time.Hour {
		t.Fatalf("PendingTTL = %v", cfg.PendingTTL)
	}
	if cfg.ArchiveUseSSL {
		t.Fatal("ArchiveUseSSL = true, want false")
	}
	if cfg.BootstrapAdmin != "Root" || cfg.BootstrapAdminPassword != "root-password" {
		t.Fatalf("bootstrap admin = %q/%q", cfg.BootstrapAdmin, cfg.BootstrapAdminPassword)
	}
	if cfg.BcryptCost != 4 {
		t.Fatalf("BcryptCost = %d", cfg.BcryptCost)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "negative ttl", key: "BASELINE_PENDING_TTL", value: "-1h"},
		{name: "zero access ttl", key: "BASELINE_ACCESS_TTL_SECONDS", value: "0"},
		{name: "malformed duration", key: "BASELINE_EXPIRY_INTERVAL", value: "soon"},
		{name: "bcrypt cost too low", key: "BASELINE_BCRYPT_COST", value: "2"},
		{name: "bootstrap admin without password", key: "BASELINE_BOOTSTRAP_ADMIN", value: "Root"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s succeeded, want error", tc.key, tc.value)
			}
		})
	}
}
