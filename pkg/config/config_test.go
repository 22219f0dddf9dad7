package config

import "testing"

func TestLoad_RequiresDSN(t *testing.T) {
	t.Setenv("PG_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when PG_DSN is unset")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://localhost/casf")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.AntiReplayEnabled {
		t.Error("anti-replay defaults to enabled")
	}
	if cfg.AntiReplayTTLSeconds != 86400 {
		t.Errorf("expected 86400s TTL, got %d", cfg.AntiReplayTTLSeconds)
	}
	if cfg.SMSLimit.Limit != 1 || cfg.SMSLimit.WindowS != 3600 {
		t.Errorf("expected 1/3600s SMS budget, got %+v", cfg.SMSLimit)
	}
	if cfg.VerifierAddr != ":8080" || cfg.MetricsAddr != ":9090" {
		t.Errorf("unexpected listener defaults: %s %s", cfg.VerifierAddr, cfg.MetricsAddr)
	}
}

func TestLoad_TenantOverrides(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://localhost/casf")
	t.Setenv("SMS_RATE_TENANT_OVERRIDES", `{"clinic-9":{"limit":5,"window_s":600}}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	override, ok := cfg.TenantOverrides["clinic-9"]
	if !ok {
		t.Fatal("expected clinic-9 override")
	}
	if override.Limit != 5 || override.WindowS != 600 {
		t.Errorf("expected 5/600s, got %+v", override)
	}
}

func TestLoad_BadOverridesJSON(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://localhost/casf")
	t.Setenv("SMS_RATE_TENANT_OVERRIDES", `{"clinic-9":`)

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for malformed override JSON")
	}
}

func TestEnvOrBool(t *testing.T) {
	t.Setenv("FLAG", "")
	if !EnvOrBool("FLAG", true) {
		t.Error("unset uses fallback")
	}
	t.Setenv("FLAG", "false")
	if EnvOrBool("FLAG", true) {
		t.Error("explicit false wins")
	}
	t.Setenv("FLAG", "definitely")
	if !EnvOrBool("FLAG", true) {
		t.Error("unparseable falls back")
	}
}
