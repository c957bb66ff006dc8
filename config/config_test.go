package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.Store = StoreMemory
	cfg.Auth.JWTSecret = "0123456789abcdef"
	return cfg
}

func TestLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disputed.yaml")

	t.Setenv("TEST_BANK_KEY", "bank-secret")
	t.Setenv("JWT_SECRET", "a-very-long-jwt-secret")
	t.Setenv("DATABASE_URL", "postgres://disputes@localhost/disputes")

	data := `
listen_addr: ":9090"
verification:
  api_key: "${TEST_BANK_KEY}"
  timeout: 3s
sweep:
  stale_after: 10m
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("expected listen addr from file, got %q", cfg.ListenAddr)
	}
	if cfg.Verification.APIKey != "bank-secret" {
		t.Fatalf("expected expanded api key, got %q", cfg.Verification.APIKey)
	}
	if cfg.Verification.Timeout != 3*time.Second || cfg.Sweep.StaleAfter != 10*time.Minute {
		t.Fatalf("durations not parsed: %v %v", cfg.Verification.Timeout, cfg.Sweep.StaleAfter)
	}
	if cfg.Verification.MaxRetries != 2 {
		t.Fatalf("expected default retries to survive partial file, got %d", cfg.Verification.MaxRetries)
	}
	if cfg.DB.URL != "postgres://disputes@localhost/disputes" {
		t.Fatalf("expected DATABASE_URL override, got %q", cfg.DB.URL)
	}
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "a-very-long-jwt-secret")
	t.Setenv("DISPUTE_STORE", StoreMemory)
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.SlogLevel())
	}
}

func TestValidateMissingFields(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateRules(t *testing.T) {
	cases := map[string]func(c *Config){
		"postgres without url":   func(c *Config) { c.Store = StorePostgres; c.DB.URL = "" },
		"unknown store":          func(c *Config) { c.Store = "sqlite" },
		"short jwt secret":       func(c *Config) { c.Auth.JWTSecret = "short" },
		"http rail without url":  func(c *Config) { c.Refund.Rail = RailHTTP },
		"inverted thresholds":    func(c *Config) { c.Risk.MediumThreshold = 0.9 },
		"sweep faster than runs": func(c *Config) { c.Sweep.StaleAfter = time.Second },
		"missing oracle url":     func(c *Config) { c.Verification.MerchantURL = "" },
		"outbox claim ttl unset": func(c *Config) { c.Outbox.ClaimTTL = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected error")
	}
}
