// Package config loads gateway configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the daemon needs at startup.
type Config struct {
	Addr     string
	LogLevel string

	// SessionSecret signs session grants and derives the bootstrap token.
	// The daemon refuses to start without it.
	SessionSecret []byte

	// Driver is "sqlite" or "postgres". DatabaseURL is the sqlite file
	// path or the postgres DSN respectively.
	Driver      string
	DatabaseURL string

	AuditPath    string
	PolicyPath   string
	ProfilesPath string

	NonceTTL     time.Duration
	PollInterval time.Duration

	// RedisAddr switches the nonce cache to Redis when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AdmissionRPS rate-limits /register and /verify per client IP.
	AdmissionRPS   int
	AdmissionBurst int

	BusBufferSize int

	OTLPEndpoint string
	OTLPInsecure bool
	Environment  string
}

// ErrMissingSecret is returned when ABI_SESSION_SECRET is unset.
var ErrMissingSecret = errors.New("config: ABI_SESSION_SECRET is required")

// Load reads the environment. Only the session secret is mandatory;
// everything else has a usable default.
func Load() (*Config, error) {
	secret := os.Getenv("ABI_SESSION_SECRET")
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("config: ABI_SESSION_SECRET must be at least 32 bytes, got %d", len(secret))
	}

	cfg := &Config{
		Addr:           envOr("ABI_ADDR", ":8080"),
		LogLevel:       envOr("ABI_LOG_LEVEL", "info"),
		SessionSecret:  []byte(secret),
		Driver:         envOr("ABI_DB_DRIVER", "sqlite"),
		DatabaseURL:    envOr("ABI_DATABASE_URL", "abi.db"),
		AuditPath:      envOr("ABI_AUDIT_PATH", "audit.jsonl"),
		PolicyPath:     envOr("ABI_POLICY_PATH", "policy.yaml"),
		ProfilesPath:   os.Getenv("ABI_PROFILES_PATH"),
		RedisAddr:      os.Getenv("ABI_REDIS_ADDR"),
		RedisPassword:  os.Getenv("ABI_REDIS_PASSWORD"),
		OTLPEndpoint:   os.Getenv("ABI_OTLP_ENDPOINT"),
		OTLPInsecure:   os.Getenv("ABI_OTLP_INSECURE") == "true",
		Environment:    envOr("ABI_ENVIRONMENT", "development"),
		NonceTTL:       envDuration("ABI_NONCE_TTL", 120*time.Second),
		PollInterval:   envDuration("ABI_POLICY_POLL_INTERVAL", time.Second),
		AdmissionRPS:   envInt("ABI_ADMISSION_RPS", 5),
		AdmissionBurst: envInt("ABI_ADMISSION_BURST", 10),
		BusBufferSize:  envInt("ABI_BUS_BUFFER", 256),
		RedisDB:        envInt("ABI_REDIS_DB", 0),
	}

	if cfg.Driver != "sqlite" && cfg.Driver != "postgres" {
		return nil, fmt.Errorf("config: unsupported ABI_DB_DRIVER %q", cfg.Driver)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
