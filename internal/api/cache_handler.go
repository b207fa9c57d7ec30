package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"costwatch-go/internal/cache"
)

// CacheHandler exposes aggregation cache administration endpoints.
type CacheHandler struct {
	cache  *cache.Cache
	logger *slog.Logger
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(aggCache *cache.Cache, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{
		cache:  aggCache,
		logger: logger,
	}
}

// Stats handles GET /v1/cache/stats
// Returns hit/miss/eviction counters, the live entry breakdown and the
// estimated cache footprint.
func (h *CacheHandler) Stats(c *fiber.Ctx) error {
	stats := h.cache.Stats(c.Context())
	return Success(c, fiber.Map{
		"hits":             stats.Hits,
		"misses":           stats.Misses,
		"evictions":        stats.Evictions,
		"live_entries":     stats.LiveEntries,
		"entries_by_kind":  stats.EntriesByKind,
		"total_size_bytes": stats.TotalSizeBytes,
		"hit_rate":         stats.HitRate(),
	})
}

// Cleanup handles POST /v1/cache/cleanup
// Sweeps expired entries out of the backing store.
func (h *CacheHandler) Cleanup(c *fiber.Ctx) error {
	removed, err := h.cache.Cleanup(c.Context())
	if err != nil {
		h.logger.Error("cache cleanup failed", "error", err)
		return InternalError(c, "cache cleanup failed")
	}
	return Success(c, fiber.Map{"removed": removed})
}

// InvalidateAll handles DELETE /v1/cache
// Drops every cached aggregation.
func (h *CacheHandler) InvalidateAll(c *fiber.Ctx) error {
	removed, err := h.cache.InvalidateAll(c.Context())
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		return InternalError(c, "cache invalidation failed")
	}
	return Success(c, fiber.Map{"removed": removed})
}

// InvalidateKind handles DELETE /v1/cache/kinds/:kind
// Drops every cached aggregation of one kind.
func (h *CacheHandler) InvalidateKind(c *fiber.Ctx) error {
	kind := c.Params("kind")
	if kind == "" {
		return BadRequest(c, "kind is required")
	}

	removed, err := h.cache.InvalidateKind(c.Context(), kind)
	if err != nil {
		h.logger.Error("cache kind invalidation failed", "kind", kind, "error", err)
		return InternalError(c, "cache invalidation failed")
	}
	return Success(c, fiber.Map{"kind": kind, "removed": removed})
}
