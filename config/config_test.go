package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ESCROWFLOW_JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q, want :8080", cfg.Addr)
	}
	if cfg.WatchdogInterval != 10*time.Minute {
		t.Fatalf("watchdog interval = %s, want 10m", cfg.WatchdogInterval)
	}
	if cfg.AnchorBatch != 50 {
		t.Fatalf("anchor batch = %d, want 50", cfg.AnchorBatch)
	}
	if cfg.DepositCap().String() != "1000000000000000000" {
		t.Fatalf("deposit cap = %s", cfg.DepositCap())
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("ESCROWFLOW_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing jwt secret")
	}
}

func TestLoadRejectsHourlyWatchdog(t *testing.T) {
	t.Setenv("ESCROWFLOW_JWT_SECRET", "test-secret")
	t.Setenv("ESCROWFLOW_WATCHDOG_INTERVAL", "1h")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for watchdog interval >= 1h")
	}
}

func TestLoadRejectsMalformedWei(t *testing.T) {
	t.Setenv("ESCROWFLOW_JWT_SECRET", "test-secret")
	t.Setenv("ESCROWFLOW_SWEEP_THRESHOLD_WEI", "1.5e18")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed wei amount")
	}
}
