//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// GCSStore keeps evidence documents in a Google Cloud Storage bucket,
// keyed by their content address.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed evidence store. Credentials come from
// Application Default Credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) key(raw string) string {
	return s.prefix + raw + ".txt"
}

func (s *GCSStore) Put(ctx context.Context, body string) (*Document, error) {
	id := Hash(body)
	raw, _ := rawHash(id)
	obj := s.client.Bucket(s.bucket).Object(s.key(raw))

	if _, err := obj.Attrs(ctx); err == nil {
		return &Document{ID: id, Body: body, StoredAt: time.Now().UTC()}, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "text/plain; charset=utf-8"
	if _, err := io.WriteString(w, body); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gcs close failed: %w", err)
	}

	return &Document{ID: id, Body: body, StoredAt: time.Now().UTC()}, nil
}

func (s *GCSStore) Get(ctx context.Context, id string) (*Document, error) {
	raw, err := rawHash(id)
	if err != nil {
		return nil, err
	}

	obj := s.client.Bucket(s.bucket).Object(s.key(raw))
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", id, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", id, err)
	}
	body := string(data)
	if err := verify(id, body); err != nil {
		return nil, err
	}

	return &Document{ID: id, Body: body, StoredAt: time.Now().UTC()}, nil
}

func (s *GCSStore) Exists(ctx context.Context, id string) (bool, error) {
	raw, err := rawHash(id)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(s.key(raw)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}
