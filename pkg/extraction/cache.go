package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when no usable entry exists for a document.
// Entries that fail current-schema admission are treated as misses too,
// after a best-effort delete.
var ErrCacheMiss = errors.New("extraction: cache miss")

// cacheClient is the slice of the redis client the cache uses. Tests
// substitute a map-backed fake.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Cache keeps tagged proposal batches in Redis keyed by evidence
// document, so re-crawls of an unchanged document skip the extraction
// model. The key deliberately excludes the schema version: a hit
// produced under an older schema must fail admission visibly rather
// than quietly miss.
type Cache struct {
	client cacheClient
	gate   *SchemaGate
	ttl    time.Duration
	logger *slog.Logger
}

const defaultCacheTTL = 7 * 24 * time.Hour

// NewCache wraps an existing client. ttl <= 0 falls back to a week.
func NewCache(client cacheClient, gate *SchemaGate, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		client: client,
		gate:   gate,
		ttl:    ttl,
		logger: logger.With("component", "extraction.cache"),
	}
}

// NewRedisCache dials Redis and wraps it.
func NewRedisCache(addr, password string, db int, gate *SchemaGate, ttl time.Duration, logger *slog.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewCache(rdb, gate, ttl, logger)
}

func (c *Cache) key(evidenceID string) string {
	return "extraction:proposals:" + evidenceID
}

// Put tags the proposals under the current schema version and stores the
// batch.
func (c *Cache) Put(ctx context.Context, evidenceID string, proposals []Proposal) error {
	tagged := make([]Tagged, 0, len(proposals))
	for i := range proposals {
		t, err := c.gate.Tag(&proposals[i])
		if err != nil {
			return err
		}
		tagged = append(tagged, t)
	}
	raw, err := json.Marshal(tagged)
	if err != nil {
		return fmt.Errorf("extraction: encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(evidenceID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("extraction: cache write for %s: %w", evidenceID, err)
	}
	return nil
}

// Get loads the batch for a document and re-admits every proposal
// through the schema gate. An entry that no longer validates is deleted
// best-effort and reported as a miss, carrying the admission failure.
func (c *Cache) Get(ctx context.Context, evidenceID string) ([]Proposal, error) {
	raw, err := c.client.Get(ctx, c.key(evidenceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, evidenceID)
	}
	if err != nil {
		return nil, fmt.Errorf("extraction: cache read for %s: %w", evidenceID, err)
	}

	var tagged []Tagged
	if err := json.Unmarshal(raw, &tagged); err != nil {
		c.evict(ctx, evidenceID, "undecodable entry")
		return nil, fmt.Errorf("%w: %s: undecodable entry: %v", ErrCacheMiss, evidenceID, err)
	}

	proposals := make([]Proposal, 0, len(tagged))
	for _, t := range tagged {
		p, err := c.gate.Admit(t)
		if err != nil {
			c.evict(ctx, evidenceID, "stale shape")
			return nil, fmt.Errorf("%w: %s: %v", ErrCacheMiss, evidenceID, err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, nil
}

// Invalidate drops the entry for a document.
func (c *Cache) Invalidate(ctx context.Context, evidenceID string) error {
	if err := c.client.Del(ctx, c.key(evidenceID)).Err(); err != nil {
		return fmt.Errorf("extraction: cache delete for %s: %w", evidenceID, err)
	}
	return nil
}

func (c *Cache) evict(ctx context.Context, evidenceID, why string) {
	if err := c.client.Del(ctx, c.key(evidenceID)).Err(); err != nil {
		c.logger.Warn("cache evict failed", "evidence_id", evidenceID, "reason", why, "error", err)
		return
	}
	c.logger.Info("cache entry evicted", "evidence_id", evidenceID, "reason", why)
}
