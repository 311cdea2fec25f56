package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("DASHBOARD_TTL_SECONDS", "-5")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "abc")
	t.Setenv("OPERATION_TIMEOUT_SECONDS", "3")
	t.Setenv("PORT", "9090")

	cfg := Load()
	if cfg.DashboardTTLSeconds != 30 {
		t.Fatalf("expected dashboard ttl fallback 30, got %d", cfg.DashboardTTLSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected token ttl fallback 480, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.OperationTimeout() != 3*time.Second {
		t.Fatalf("expected 3s operation timeout, got %s", cfg.OperationTimeout())
	}
	if cfg.Address() != ":9090" {
		t.Fatalf("expected :9090, got %s", cfg.Address())
	}
}
