package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Promotion.Schedule != "@every 1m" {
		t.Fatalf("unexpected schedule %q", cfg.Promotion.Schedule)
	}
	if cfg.CycleTimeout() != 30*time.Second {
		t.Fatalf("unexpected cycle timeout %v", cfg.CycleTimeout())
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	content := `
server:
  addr: ":9090"
  auth_tokens: ["secret-a", "secret-b"]
  rate_limit_per_sec: 10
database:
  dsn: "postgres://localhost/experiments"
promotion:
  schedule: "@every 5m"
  cycle_timeout_ms: 5000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || len(cfg.Server.AuthTokens) != 2 {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Database.DSN != "postgres://localhost/experiments" {
		t.Fatalf("unexpected dsn %q", cfg.Database.DSN)
	}
	if cfg.Promotion.Schedule != "@every 5m" || cfg.CycleTimeout() != 5*time.Second {
		t.Fatalf("unexpected promotion config: %+v", cfg.Promotion)
	}
	// Unset fields keep defaults.
	if cfg.Server.RateLimitBurst != 200 {
		t.Fatalf("default burst lost: %d", cfg.Server.RateLimitBurst)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("AUTH_TOKENS", "one, two ,")
	t.Setenv("PROMOTION_DISABLED", "true")

	cfg := Default()
	cfg.applyEnv()

	if cfg.Server.Addr != ":7070" {
		t.Fatalf("env addr not applied: %q", cfg.Server.Addr)
	}
	if len(cfg.Server.AuthTokens) != 2 || cfg.Server.AuthTokens[1] != "two" {
		t.Fatalf("tokens not parsed: %v", cfg.Server.AuthTokens)
	}
	if !cfg.Promotion.Disabled {
		t.Fatal("promotion disable not applied")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("expected parse error")
	}
}
