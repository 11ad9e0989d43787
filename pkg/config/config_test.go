package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lexfabric/canon/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"ENVIRONMENT", "LOG_LEVEL", "DATABASE_DRIVER", "DATABASE_URL",
		"TX_TIMEOUT", "REDIS_ADDR", "SWEEP_INTERVAL", "SWEEP_BATCH_SIZE",
		"GRAPH_MAX_ATTEMPTS", "RELEASE_SIGNING_SECRET", "EVIDENCE_BACKEND",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Contains(t, cfg.DatabaseURL, "canon.db")
	assert.Equal(t, 10*time.Second, cfg.TxTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "sql", cfg.EvidenceBackend)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 50, cfg.SweepBatchSize)
	assert.Equal(t, 5, cfg.GraphMaxAttempts)
	assert.Empty(t, cfg.ReleaseSigningSecret, "no signing without an explicit secret")
	assert.Empty(t, cfg.AllowlistPath, "no automated approvals without an explicit policy")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://canon@db:5432/canon?sslmode=require")
	t.Setenv("TX_TIMEOUT", "30s")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("SWEEP_INTERVAL", "5m")
	t.Setenv("SWEEP_RATE", "2.5")
	t.Setenv("GRAPH_STUCK_AGE", "1h")
	t.Setenv("EVIDENCE_BACKEND", "s3")
	t.Setenv("EVIDENCE_BUCKET", "canon-evidence")
	t.Setenv("RELEASE_SIGNING_SECRET", "not-a-real-secret")

	cfg := config.Load()

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "postgres://canon@db:5432/canon?sslmode=require", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.TxTimeout)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 2.5, cfg.SweepRate)
	assert.Equal(t, time.Hour, cfg.GraphStuckAge)
	assert.Equal(t, "s3", cfg.EvidenceBackend)
	assert.Equal(t, "canon-evidence", cfg.EvidenceBucket)
	assert.Equal(t, "not-a-real-secret", cfg.ReleaseSigningSecret)
}

func TestLoadFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TX_TIMEOUT", "soon")
	t.Setenv("SWEEP_INTERVAL", "-2m")
	t.Setenv("SWEEP_BATCH_SIZE", "many")
	t.Setenv("SWEEP_RATE", "0")

	cfg := config.Load()

	assert.Equal(t, 10*time.Second, cfg.TxTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 50, cfg.SweepBatchSize)
	assert.Equal(t, float64(5), cfg.SweepRate)
}
