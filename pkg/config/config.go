// Package config loads verifier settings from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/julian-najas/casf-core/pkg/rules"
)

// Config holds everything the verifier binaries read from the environment.
type Config struct {
	// Listeners.
	VerifierAddr string
	MetricsAddr  string

	// Dependencies.
	PostgresDSN string
	RedisURL    string
	OPAURL      string

	// Anti-replay.
	AntiReplayEnabled    bool
	AntiReplayTTLSeconds int

	// SMS budget.
	SMSLimit        rules.SMSLimit
	TenantOverrides map[string]rules.SMSLimit

	// Digest export.
	DigestS3Endpoint  string
	DigestS3AccessKey string
	DigestS3SecretKey string
	DigestS3Bucket    string
	DigestS3UseSSL    bool

	// Telemetry.
	OTLPEndpoint   string
	TracingEnabled bool
}

// Load reads the environment. PG_DSN is required; everything else has a
// working default so a bare `casf-verifier` starts against localhost.
func Load() (*Config, error) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		return nil, fmt.Errorf("PG_DSN is required")
	}

	overrides, err := parseTenantOverrides(os.Getenv("SMS_RATE_TENANT_OVERRIDES"))
	if err != nil {
		return nil, err
	}

	return &Config{
		VerifierAddr: EnvOr("VERIFIER_ADDR", ":8080"),
		MetricsAddr:  EnvOr("METRICS_ADDR", ":9090"),

		PostgresDSN: dsn,
		RedisURL:    EnvOr("REDIS_URL", "redis://localhost:6379/0"),
		OPAURL:      EnvOr("OPA_URL", "http://localhost:8181"),

		AntiReplayEnabled:    EnvOrBool("ANTI_REPLAY_ENABLED", true),
		AntiReplayTTLSeconds: EnvOrInt("ANTI_REPLAY_TTL_SECONDS", 86400),

		SMSLimit: rules.SMSLimit{
			Limit:   EnvOrInt("SMS_RATE_LIMIT", 1),
			WindowS: EnvOrInt("SMS_RATE_WINDOW_S", 3600),
		},
		TenantOverrides: overrides,

		DigestS3Endpoint:  os.Getenv("DIGEST_S3_ENDPOINT"),
		DigestS3AccessKey: os.Getenv("DIGEST_S3_ACCESS_KEY"),
		DigestS3SecretKey: os.Getenv("DIGEST_S3_SECRET_KEY"),
		DigestS3Bucket:    EnvOr("DIGEST_S3_BUCKET", "casf-digests"),
		DigestS3UseSSL:    EnvOrBool("DIGEST_S3_USE_SSL", false),

		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TracingEnabled: EnvOrBool("TRACING_ENABLED", false),
	}, nil
}

// parseTenantOverrides decodes `{"tenant":{"limit":5,"window_s":600}}`.
func parseTenantOverrides(raw string) (map[string]rules.SMSLimit, error) {
	if raw == "" {
		return nil, nil
	}
	overrides := map[string]rules.SMSLimit{}
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("SMS_RATE_TENANT_OVERRIDES: %w", err)
	}
	return overrides, nil
}

// EnvOr returns the environment variable value or a fallback default.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvOrInt returns an integer environment variable or a fallback default.
// Logs a warning if the value is set but not parseable.
func EnvOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return n
}

// EnvOrBool returns a boolean environment variable or a fallback default.
// Logs a warning if the value is set but not parseable.
func EnvOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean env var, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return b
}
