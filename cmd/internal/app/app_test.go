package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"LINKD_HTTP_ADDR", "LINKD_RATE_LIMIT", "LINKD_LINK_TTL", "LINKD_AUTOSTART", "LINKD_LOG_FORMAT"} {
		t.Setenv(k, "")
	}
	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.RateLimit != 20 || cfg.RateLimitWindow != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LinkTTL != 24*time.Hour || cfg.BackoffMaxAttempts != 10 || cfg.LogFormat != "json" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AutoStart != nil {
		t.Fatalf("AutoStart=%v want nil", cfg.AutoStart)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LINKD_AUTOSTART", "main=+1 555 123 0001, ops ,,")
	t.Setenv("LINKD_LINKED_MODE", "true")
	t.Setenv("LINKD_RATE_LIMIT", "-3")
	t.Setenv("LINKD_PRESENCE_EVERY", "45s")

	cfg := LoadConfig()
	if len(cfg.AutoStart) != 2 || cfg.AutoStart[1] != "ops" {
		t.Fatalf("AutoStart=%q", cfg.AutoStart)
	}
	if !cfg.LinkedMode {
		t.Fatalf("LinkedMode=false want=true")
	}
	if cfg.RateLimit != 20 {
		t.Fatalf("RateLimit=%d want=20 for invalid input", cfg.RateLimit)
	}
	if cfg.PresenceEvery != 45*time.Second {
		t.Fatalf("PresenceEvery=%v want=45s", cfg.PresenceEvery)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := testConfig()
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LINKD_LOG_FORMAT"},
		{name: "linked mode without admin", mutate: func(c *Config) { c.LinkedMode = true; c.AdminJID = "" }, wantErr: "LINKD_ADMIN_JID"},
		{name: "bad admin", mutate: func(c *Config) { c.AdminJID = "not a number" }, wantErr: "LINKD_ADMIN_JID"},
		{name: "credentials dir without key", mutate: func(c *Config) { c.CredentialsDir = "/tmp/x" }, wantErr: "LINKD_CREDENTIALS_KEY"},
		{name: "no bridge", mutate: func(c *Config) { c.BridgeURL = " " }, wantErr: "LINKD_BRIDGE_URL"},
		{name: "readiness without db", mutate: func(c *Config) { c.ReadinessRequireDB = true }, wantErr: "LINKD_DATABASE_URL"},
		{name: "bad autostart id", mutate: func(c *Config) { c.AutoStart = []string{"../etc=1"} }, wantErr: "LINKD_AUTOSTART"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate()=%v want=nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate()=%v want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}

func TestSplitAutoStart(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, id, phone string
	}{
		{in: "main", id: "main"},
		{in: " main = +1 555 ", id: "main", phone: "+1 555"},
		{in: "a=b=c", id: "a", phone: "b=c"},
	}
	for _, tc := range cases {
		id, phone := splitAutoStart(tc.in)
		if id != tc.id || phone != tc.phone {
			t.Fatalf("splitAutoStart(%q)=(%q,%q) want=(%q,%q)", tc.in, id, phone, tc.id, tc.phone)
		}
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Setenv("LINKD_CODE_HASH_KEY", "")
	if _, err := ValidateSecurityConfig(Config{RequireCodeHashKey: true}); err == nil {
		t.Fatalf("expected missing key error")
	}
	h, err := ValidateSecurityConfig(Config{})
	if err != nil || h.Keyed() {
		t.Fatalf("dev mode: keyed=%v err=%v", h.Keyed(), err)
	}

	t.Setenv("LINKD_CODE_HASH_KEY", "short")
	if _, err := ValidateSecurityConfig(Config{RequireCodeHashKey: true}); err == nil || !strings.Contains(err.Error(), "too short") {
		t.Fatalf("expected short key error, got %v", err)
	}

	t.Setenv("LINKD_CODE_HASH_KEY", strings.Repeat("k", 32))
	h, err = ValidateSecurityConfig(Config{RequireCodeHashKey: true})
	if err != nil || !h.Keyed() {
		t.Fatalf("enforced mode: keyed=%v err=%v", h.Keyed(), err)
	}
}

func testConfig() Config {
	return Config{
		HTTPAddr:        "127.0.0.1:0",
		LogLevel:        "info",
		LogFormat:       "json",
		DBSchema:        "linkd",
		BridgeURL:       "ws://127.0.0.1:1/v1/bridge",
		AdminJID:        "15550000000",
		Server:          "s.whatsapp.net",
		RateLimit:       20,
		RateLimitWindow: 30 * time.Second,
		LinkTTL:         24 * time.Hour,
		OutboxSize:      64,
		PresenceEvery:   30 * time.Second,
		StatusPollEvery: 60 * time.Second,
		BackoffInitial:  2 * time.Second,
		BackoffMax:      60 * time.Second,

		BackoffMaxAttempts: 10,
	}
}
