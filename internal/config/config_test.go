package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.SessionName != "default" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Policy.MaxRetries != 10 || cfg.Pacing.TypingDelay != 1500*time.Millisecond {
		t.Fatalf("tunables not defaulted: %+v %+v", cfg.Policy, cfg.Pacing)
	}
	if cfg.Fallback.Enabled() {
		t.Fatal("fallback must be disabled without FALLBACK_ADDR")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://admin.example.com, http://localhost:5173,")
	t.Setenv("TYPING_DELAY", "250ms")
	t.Setenv("MESSAGE_RETENTION", "not-a-duration")
	t.Setenv("FALLBACK_ADDR", "localhost:50051")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("Port = %s", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5173" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.Pacing.TypingDelay != 250*time.Millisecond {
		t.Fatalf("TypingDelay = %v", cfg.Pacing.TypingDelay)
	}
	if cfg.MessageRetention != 30*24*time.Hour {
		t.Fatalf("invalid duration should fall back, got %v", cfg.MessageRetention)
	}
	if !cfg.Fallback.Enabled() {
		t.Fatal("fallback should be enabled")
	}
}

func TestLoad_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `
policy:
  max_retries: 4
  cooldown: 45s
  cooldown_max: 5m
pacing:
  inter_message_delay: 2s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POLICY_FILE", path)
	t.Setenv("INTER_MESSAGE_DELAY", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy.MaxRetries != 4 || cfg.Policy.Cooldown != 45*time.Second || cfg.Policy.CooldownMax != 5*time.Minute {
		t.Fatalf("overlay not applied: %+v", cfg.Policy)
	}
	if cfg.Policy.BaseDelay != 2*time.Second {
		t.Fatalf("unset keys must keep defaults, BaseDelay = %v", cfg.Policy.BaseDelay)
	}
	if cfg.Pacing.InterMessageDelay != 3*time.Second {
		t.Fatalf("env must win over the file, got %v", cfg.Pacing.InterMessageDelay)
	}
	if cfg.Pacing.TypingDelay != 1500*time.Millisecond {
		t.Fatalf("TypingDelay = %v", cfg.Pacing.TypingDelay)
	}
}

func TestLoad_PolicyFileErrors(t *testing.T) {
	t.Setenv("POLICY_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing policy file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("policy: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POLICY_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed policy file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"same databases", func(c *Config) { c.DeviceDBPath = c.DBPath }, "must differ"},
		{"zero history", func(c *Config) { c.HistorySize = 0 }, "HISTORY_SIZE"},
		{"negative typing delay", func(c *Config) { c.Pacing.TypingDelay = -time.Second }, "TYPING_DELAY"},
		{"cooldown bounds", func(c *Config) { c.Policy.CooldownMax = time.Second }, "cooldown_max"},
		{"fallback method", func(c *Config) {
			c.Fallback.Addr = "localhost:50051"
			c.Fallback.Method = "Reply"
		}, "FALLBACK_METHOD"},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}
