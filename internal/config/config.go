// Package config loads Catalyst configuration from environment variables
// with sensible defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Catalyst gateway.
type Config struct {
	Port    int
	Version string

	Database    DatabaseConfig
	Cache       CacheConfig
	IdP         IdPConfig
	ForwardAuth ForwardAuthConfig
	Webhooks    WebhookConfig
	Telemetry   TelemetryConfig
}

type DatabaseConfig struct {
	// URL is the Postgres connection string. Empty selects the in-memory store.
	URL            string
	MaxConnections int
}

type CacheConfig struct {
	// RedisAddr selects the Redis decision cache when non-empty; otherwise an
	// in-process expirable LRU is used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// MemoryEntries bounds the in-process cache.
	MemoryEntries int
}

type IdPConfig struct {
	BaseURL           string
	TokenPath         string
	IntrospectionPath string
	ClientID          string
	ClientSecret      string
	AdminToken        string

	IntrospectTimeout time.Duration
	AdminTimeout      time.Duration
}

type ForwardAuthConfig struct {
	// DecisionTTL bounds decision-cache entries. Minimum 1s.
	DecisionTTL time.Duration
	// CachePrefix prefixes decision-token cache keys.
	CachePrefix string
	// EnvHeaderPrefix marks request headers carried into the policy environment.
	EnvHeaderPrefix string
	// OrgHeader is the org-hint request header.
	OrgHeader string

	KeyLookupTimeout time.Duration
	PolicyTimeout    time.Duration
}

type WebhookConfig struct {
	PollInterval   time.Duration
	BatchLimit     int
	RequestTimeout time.Duration
	// StaleClaimAge is how long a delivery may sit in "delivering" before the
	// startup sweep releases it back to pending.
	StaleClaimAge time.Duration
	// Concurrency bounds parallel sends within one batch.
	Concurrency int
}

type TelemetryConfig struct {
	Enabled        bool
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:    envInt("CATALYST_PORT", 8080),
		Version: envStr("CATALYST_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Cache: CacheConfig{
			RedisAddr:     envStr("CATALYST_REDIS_ADDR", ""),
			RedisPassword: envStr("CATALYST_REDIS_PASSWORD", ""),
			RedisDB:       envInt("CATALYST_REDIS_DB", 0),
			MemoryEntries: envInt("CATALYST_CACHE_ENTRIES", 4096),
		},
		IdP: IdPConfig{
			BaseURL:           envStr("AUTHENTIK_URL", "http://localhost:9000"),
			TokenPath:         envStr("AUTHENTIK_TOKEN_PATH", "/application/o/token/"),
			IntrospectionPath: envStr("AUTHENTIK_INTROSPECTION_PATH", "/application/o/introspect/"),
			ClientID:          envStr("AUTHENTIK_CLIENT_ID", ""),
			ClientSecret:      envStr("AUTHENTIK_CLIENT_SECRET", ""),
			AdminToken:        envStr("AUTHENTIK_ADMIN_TOKEN", ""),
			IntrospectTimeout: envDur("AUTHENTIK_INTROSPECT_TIMEOUT", 2*time.Second),
			AdminTimeout:      envDur("AUTHENTIK_ADMIN_TIMEOUT", 5*time.Second),
		},
		ForwardAuth: ForwardAuthConfig{
			DecisionTTL:      envDur("FORWARD_AUTH_DECISION_TTL", 55*time.Second),
			CachePrefix:      envStr("FORWARD_AUTH_CACHE_PREFIX", "forward-auth:decision"),
			EnvHeaderPrefix:  envStr("FORWARD_AUTH_ENV_PREFIX", "x-forward-auth-env-"),
			OrgHeader:        envStr("FORWARD_AUTH_ORG_HEADER", "x-catalyst-org"),
			KeyLookupTimeout: envDur("FORWARD_AUTH_KEY_TIMEOUT", 500*time.Millisecond),
			PolicyTimeout:    envDur("FORWARD_AUTH_POLICY_TIMEOUT", 500*time.Millisecond),
		},
		Webhooks: WebhookConfig{
			PollInterval:   envDur("WEBHOOK_POLL_INTERVAL", 5*time.Second),
			BatchLimit:     envInt("WEBHOOK_BATCH_LIMIT", 50),
			RequestTimeout: envDur("WEBHOOK_REQUEST_TIMEOUT", 15*time.Second),
			StaleClaimAge:  envDur("WEBHOOK_STALE_CLAIM_AGE", 5*time.Minute),
			Concurrency:    envInt("WEBHOOK_CONCURRENCY", 8),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "catalyst-gateway"),
		},
	}

	cfg.Telemetry.ServiceVersion = cfg.Version

	// The decision TTL has a hard floor of one second.
	if cfg.ForwardAuth.DecisionTTL < time.Second {
		cfg.ForwardAuth.DecisionTTL = time.Second
	}
	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
