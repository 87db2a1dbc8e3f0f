// Package cache stores analysis results keyed by project fingerprint
// (path + directory mtime) in Redis. Expiry is enforced twice: Redis TTL
// at the storage layer and an expiresAt field at the application layer.
// All operations degrade: a broken cache never fails an analysis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scanworks/prospector/analyzer"
)

// keyPrefix namespaces analysis entries in a shared Redis.
const keyPrefix = "analysis:"

// scanBatch is the SCAN page size for invalidation passes.
const scanBatch = 100

// Entry is a cached analysis with its fingerprint and expiry metadata.
type Entry struct {
	Result       *analyzer.Result `json:"result"`
	ProjectPath  string           `json:"projectPath"`
	ProjectHash  string           `json:"projectHash"`
	LastModified time.Time        `json:"lastModified"`
	CreatedAt    time.Time        `json:"createdAt"`
	ExpiresAt    time.Time        `json:"expiresAt"`
}

// Stats reports cache effectiveness counters since process start.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Errors  int64 `json:"errors"`
	Expired int64 `json:"expired"`
}

// Cache is the Redis-backed result cache.
type Cache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	errors  atomic.Int64
	expired atomic.Int64
}

// New creates a Cache with the given TTL. A nil logger defaults to
// slog.Default().
func New(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}
}

// Key computes the storage key for a fingerprint. The fingerprint changes
// iff the watched directory's mtime changes.
func Key(path string, lastModified time.Time) string {
	sum := sha256.Sum256([]byte(path + ":" + lastModified.UTC().Format(time.RFC3339Nano)))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// pathHash identifies all entries of one project for invalidation.
func pathHash(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry for the fingerprint, or nil on a miss.
// A present-but-expired entry is deleted on access and reported as a miss.
func (c *Cache) Get(ctx context.Context, path string, lastModified time.Time) (*Entry, error) {
	key := Key(path, lastModified)

	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt entry: drop it and treat as a miss.
		c.errors.Add(1)
		c.rdb.Del(ctx, key)
		c.logger.Warn("Dropping corrupt cache entry", "key", key, "error", err)
		return nil, nil
	}

	if time.Now().After(entry.ExpiresAt) {
		c.expired.Add(1)
		c.rdb.Del(ctx, key)
		return nil, nil
	}

	c.hits.Add(1)
	return &entry, nil
}

// Set stores a result under the fingerprint with the configured TTL.
// Returns false (after logging) when the write failed.
func (c *Cache) Set(ctx context.Context, path string, lastModified time.Time, result *analyzer.Result) bool {
	now := time.Now().UTC()
	entry := Entry{
		Result:       result,
		ProjectPath:  path,
		ProjectHash:  pathHash(path),
		LastModified: lastModified,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("Cannot marshal cache entry", "path", path, "error", err)
		return false
	}

	if err := c.rdb.Set(ctx, Key(path, lastModified), data, c.ttl).Err(); err != nil {
		c.errors.Add(1)
		c.logger.Warn("Cache write failed", "path", path, "error", err)
		return false
	}

	c.sets.Add(1)
	return true
}

// Invalidate removes all entries belonging to a project path, regardless
// of fingerprint. Best-effort: scan errors abort with the count deleted
// so far; survivors expire naturally.
func (c *Cache) Invalidate(ctx context.Context, path string) (int, error) {
	target := pathHash(path)
	deleted := 0

	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if entry.ProjectHash != target {
			continue
		}
		if err := c.rdb.Del(ctx, key).Err(); err == nil {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cache invalidation scan: %w", err)
	}

	return deleted, nil
}

// ClearExpired removes entries whose application-level expiry has passed
// but whose Redis TTL has not fired yet (clock skew, TTL config changes).
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	now := time.Now()
	cleared := 0

	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil || now.After(entry.ExpiresAt) {
			if err := c.rdb.Del(ctx, key).Err(); err == nil {
				cleared++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return cleared, fmt.Errorf("cache expiry scan: %w", err)
	}

	return cleared, nil
}

// Stats returns effectiveness counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Errors:  c.errors.Load(),
		Expired: c.expired.Load(),
	}
}

// Healthy reports whether the cache backend responds to PING.
func (c *Cache) Healthy(ctx context.Context) bool {
	return c.rdb.Ping(ctx).Err() == nil
}
