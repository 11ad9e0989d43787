package evidence

import (
	"context"
	"fmt"

	"github.com/lexfabric/canon/pkg/store"
)

// Backend names a storage implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQL    Backend = "sql"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures the evidence backend.
type Config struct {
	Backend Backend

	// DB backs the sql backend with the relational canon store.
	DB *store.DB

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// NewStore builds the configured backend. The zero backend is memory.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendSQL:
		if cfg.DB == nil {
			return nil, fmt.Errorf("evidence: sql backend requires a database")
		}
		return NewSQLStore(cfg.DB), nil
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("evidence: s3 backend requires a bucket")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("evidence: gcs backend requires a bucket")
		}
		return newGCSFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("evidence: unsupported backend %q", cfg.Backend)
	}
}
