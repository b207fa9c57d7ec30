// Package cache implements the aggregation cache and the cached query
// orchestrator. Aggregations are expensive to recompute, so results are
// persisted as self-describing envelopes in the key-value store and served
// until they expire. The cache is a strict performance layer: storage
// failures degrade to a miss, never to an error surfaced to the caller.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"costwatch-go/internal/kv"
	"costwatch-go/internal/metrics"
)

// Entry is the persisted envelope around a cached aggregation result.
// The payload stays opaque JSON so one cache serves heterogeneous kinds.
type Entry struct {
	Key      string          `json:"key"`
	Kind     string          `json:"kind"`
	CachedAt time.Time       `json:"cached_at"`
	TTL      time.Duration   `json:"ttl"`
	Value    json.RawMessage `json:"value"`
}

// Age returns how long ago the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// Expired reports whether the entry has outlived its TTL.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && e.Age(now) >= e.TTL
}

// Stats is a point-in-time snapshot of cache effectiveness counters and
// footprint. TotalSizeBytes is an estimate from stored payload sizes, not an
// exact on-disk figure.
type Stats struct {
	Hits           int64          `json:"hits"`
	Misses         int64          `json:"misses"`
	Evictions      int64          `json:"evictions"`
	LiveEntries    int            `json:"live_entries"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	EntriesByKind  map[string]int `json:"entries_by_kind"`
}

// HitRate returns the fraction of reads served from cache, 0 when idle.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the aggregation cache. Safe for concurrent use.
type Cache struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an aggregation cache on top of the given store.
func New(store kv.Store, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live payload for a key, or nil if there is no live entry.
// Expired entries are removed on the way out. Storage read failures are
// logged and reported as a miss so callers fall through to recomputation.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := c.GetEntry(ctx, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry returns the full envelope for a live entry, letting callers
// inspect its age for staleness decisions.
func (c *Cache) GetEntry(ctx context.Context, key string) (*Entry, bool) {
	raw, err := c.store.Get(ctx, kv.NamespaceCache, key)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		c.misses.Add(1)
		metrics.CacheMissesTotal.WithLabelValues("unknown", "io_error").Inc()
		return nil, false
	}
	if raw == nil {
		c.misses.Add(1)
		metrics.CacheMissesTotal.WithLabelValues("unknown", "absent").Inc()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		_ = c.store.Delete(ctx, kv.NamespaceCache, key)
		c.misses.Add(1)
		metrics.CacheMissesTotal.WithLabelValues("unknown", "io_error").Inc()
		return nil, false
	}

	if entry.Expired(c.now()) {
		// Lazy expiry: the entry dies on first read past its TTL.
		if err := c.store.Delete(ctx, kv.NamespaceCache, key); err != nil {
			c.logger.Warn("failed to delete expired entry", "key", key, "error", err)
		}
		c.misses.Add(1)
		c.evictions.Add(1)
		metrics.CacheMissesTotal.WithLabelValues(entry.Kind, "expired").Inc()
		metrics.CacheEvictionsTotal.WithLabelValues(entry.Kind, "expired").Inc()
		return nil, false
	}

	c.hits.Add(1)
	metrics.CacheHitsTotal.WithLabelValues(entry.Kind).Inc()
	return &entry, true
}

// Set writes a payload under a key with the given kind and TTL.
// A non-positive TTL means the entry never expires. A nil payload with a
// zero TTL is the write-side spelling of Invalidate.
func (c *Cache) Set(ctx context.Context, key, kind string, value []byte, ttl time.Duration) error {
	if value == nil && ttl == 0 {
		return c.Invalidate(ctx, key)
	}

	entry := Entry{
		Key:      key,
		Kind:     kind,
		CachedAt: c.now(),
		TTL:      ttl,
		Value:    value,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.store.Set(ctx, kv.NamespaceCache, key, raw); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	return nil
}

// Invalidate eagerly removes a single entry.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, kv.NamespaceCache, key); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	c.evictions.Add(1)
	metrics.CacheEvictionsTotal.WithLabelValues("unknown", "invalidate").Inc()
	return nil
}

// InvalidateKind removes every entry of the given kind. Entries that fail
// to decode count as that kind so corrupt data cannot dodge invalidation.
func (c *Cache) InvalidateKind(ctx context.Context, kind string) (int, error) {
	keys, err := c.store.ListKeys(ctx, kv.NamespaceCache)
	if err != nil {
		return 0, fmt.Errorf("failed to list cache keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		raw, err := c.store.Get(ctx, kv.NamespaceCache, key)
		if err != nil || raw == nil {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.Kind != kind {
			continue
		}

		if err := c.store.Delete(ctx, kv.NamespaceCache, key); err != nil {
			c.logger.Warn("failed to invalidate entry", "key", key, "error", err)
			continue
		}
		removed++
		c.evictions.Add(1)
		metrics.CacheEvictionsTotal.WithLabelValues(kind, "invalidate").Inc()
	}
	return removed, nil
}

// InvalidateAll removes every cache entry.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	keys, err := c.store.ListKeys(ctx, kv.NamespaceCache)
	if err != nil {
		return 0, fmt.Errorf("failed to list cache keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		if err := c.store.Delete(ctx, kv.NamespaceCache, key); err != nil {
			c.logger.Warn("failed to remove entry", "key", key, "error", err)
			continue
		}
		removed++
	}
	c.evictions.Add(int64(removed))
	metrics.CacheEvictionsTotal.WithLabelValues("all", "purge").Add(float64(removed))
	return removed, nil
}

// Cleanup sweeps expired entries and returns the number removed.
// Lazy expiry handles reads; this handles keys nobody asks for anymore.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	keys, err := c.store.ListKeys(ctx, kv.NamespaceCache)
	if err != nil {
		return 0, fmt.Errorf("failed to list cache keys: %w", err)
	}

	now := c.now()
	removed := 0
	for _, key := range keys {
		raw, err := c.store.Get(ctx, kv.NamespaceCache, key)
		if err != nil || raw == nil {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Corrupt entries are reclaimed by the sweep.
			if err := c.store.Delete(ctx, kv.NamespaceCache, key); err == nil {
				removed++
				c.evictions.Add(1)
			}
			continue
		}
		if !entry.Expired(now) {
			continue
		}

		if err := c.store.Delete(ctx, kv.NamespaceCache, key); err != nil {
			c.logger.Warn("failed to sweep expired entry", "key", key, "error", err)
			continue
		}
		removed++
		c.evictions.Add(1)
		metrics.CacheEvictionsTotal.WithLabelValues(entry.Kind, "expired").Inc()
	}
	return removed, nil
}

// Stats returns effectiveness counters plus live-entry diagnostics: count,
// per-kind breakdown and a size estimate over the serialized envelopes.
func (c *Cache) Stats(ctx context.Context) Stats {
	stats := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		EntriesByKind: make(map[string]int),
	}

	keys, err := c.store.ListKeys(ctx, kv.NamespaceCache)
	if err != nil {
		return stats
	}

	now := c.now()
	for _, key := range keys {
		raw, err := c.store.Get(ctx, kv.NamespaceCache, key)
		if err != nil || raw == nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.Expired(now) {
			continue
		}
		stats.LiveEntries++
		stats.TotalSizeBytes += int64(len(raw))
		stats.EntriesByKind[entry.Kind]++
	}
	return stats
}
