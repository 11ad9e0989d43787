// Package config reads the kernel's runtime settings from the
// environment. Every knob has a development default, so an empty
// environment boots an embedded setup (SQLite, no Redis password, no
// release signing).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the kernel's runtime settings.
type Config struct {
	Environment string
	LogLevel    string

	DatabaseDriver string
	DatabaseURL    string
	TxTimeout      time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTLPEndpoint string

	// AllowlistPath points at the YAML auto-approval policy. Empty
	// disables automated approvals entirely.
	AllowlistPath string

	// EvidenceBackend selects the document store: memory, sql, s3 or
	// gcs. Bucket applies to the object-store backends.
	EvidenceBackend string
	EvidenceBucket  string

	// ReleaseSigningSecret seeds the Ed25519 release sealer. Empty
	// means releases are cut unsealed.
	ReleaseSigningSecret string

	SweepInterval  time.Duration
	SweepBatchSize int
	SweepRate      float64

	GraphMaxAttempts int
	GraphRetryBase   time.Duration
	GraphRetryMax    time.Duration
	GraphStuckAge    time.Duration
}

// Load reads the environment. Unset or unparseable values fall back to
// the development defaults.
func Load() *Config {
	return &Config{
		Environment: envOr("ENVIRONMENT", "development"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),

		DatabaseDriver: envOr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    envOr("DATABASE_URL", "file:canon.db?mode=rwc"),
		TxTimeout:      envDuration("TX_TIMEOUT", 10*time.Second),

		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		OTLPEndpoint: envOr("OTLP_ENDPOINT", "localhost:4317"),

		AllowlistPath: os.Getenv("ALLOWLIST_PATH"),

		EvidenceBackend: envOr("EVIDENCE_BACKEND", "sql"),
		EvidenceBucket:  os.Getenv("EVIDENCE_BUCKET"),

		ReleaseSigningSecret: os.Getenv("RELEASE_SIGNING_SECRET"),

		SweepInterval:  envDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize: envInt("SWEEP_BATCH_SIZE", 50),
		SweepRate:      envFloat("SWEEP_RATE", 5),

		GraphMaxAttempts: envInt("GRAPH_MAX_ATTEMPTS", 5),
		GraphRetryBase:   envDuration("GRAPH_RETRY_BASE", time.Second),
		GraphRetryMax:    envDuration("GRAPH_RETRY_MAX", 30*time.Second),
		GraphStuckAge:    envDuration("GRAPH_STUCK_AGE", 5*time.Minute),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}
