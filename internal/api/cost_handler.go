package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"costwatch-go/internal/cache"
	"costwatch-go/internal/config"
	"costwatch-go/internal/engine"
)

const (
	defaultWindowDays = 30
	maxWindowDays     = 365
	defaultTopLimit   = 10
)

// CostHandler serves cost aggregation views through the cached query runner.
// Every response carries X-Cache and X-Cache-Age headers so clients can see
// whether they were served a fresh, stale or freshly fetched result.
type CostHandler struct {
	runner *cache.Runner
	engine engine.Engine
	cfg    *config.CacheConfig
	logger *slog.Logger
}

// NewCostHandler creates a new cost handler.
func NewCostHandler(runner *cache.Runner, eng engine.Engine, cfg *config.CacheConfig, logger *slog.Logger) *CostHandler {
	return &CostHandler{
		runner: runner,
		engine: eng,
		cfg:    cfg,
		logger: logger,
	}
}

// DailyCosts handles GET /v1/costs/daily
// Returns per-resource daily cost totals over the trailing window.
func (h *CostHandler) DailyCosts(c *fiber.Ctx) error {
	window := queryWindowDays(c)
	key := fmt.Sprintf("daily:%d", window)
	sql := engine.DailyResourceCostsSQL(window)
	return h.serve(c, key, "daily_costs", sql)
}

// CostKPIs handles GET /v1/costs/kpis
// Returns headline spend KPIs over the trailing window.
func (h *CostHandler) CostKPIs(c *fiber.Ctx) error {
	window := queryWindowDays(c)
	key := fmt.Sprintf("kpi:%d", window)
	sql := engine.CostKPIsSQL(window)
	return h.serve(c, key, "kpi", sql)
}

// TopServices handles GET /v1/costs/top-services
// Returns the highest-spend services over the trailing window.
func (h *CostHandler) TopServices(c *fiber.Ctx) error {
	window := queryWindowDays(c)
	limit := c.QueryInt("limit", defaultTopLimit)
	if limit <= 0 || limit > 100 {
		limit = defaultTopLimit
	}
	key := fmt.Sprintf("top_services:%d:%d", window, limit)
	sql := engine.TopServicesSQL(window, limit)
	return h.serve(c, key, "daily_costs", sql)
}

// serve runs the query through the runner and writes the cached result.
// A refresh=true query parameter bypasses the cached value and fetches
// inline, repopulating the cache.
func (h *CostHandler) serve(c *fiber.Ctx, key, kind, sql string) error {
	opts := cache.Options{
		Kind:              kind,
		TTL:               h.cfg.DefaultTTL,
		StaleTime:         h.cfg.StaleTime,
		BackgroundRefresh: h.cfg.RefreshInBackground(),
	}
	fetch := h.fetcher(sql)

	var (
		result cache.Result
		err    error
	)
	if c.QueryBool("refresh") {
		result, err = h.runner.Refetch(c.Context(), key, opts, fetch)
	} else {
		result, err = h.runner.Run(c.Context(), key, opts, fetch)
	}
	if err != nil {
		h.logger.Error("cost query failed", "key", key, "error", err)
		return InternalError(c, "failed to run cost query")
	}

	c.Set("X-Cache", string(result.Disposition))
	c.Set("X-Cache-Age", strconv.FormatInt(int64(result.Age.Seconds()), 10))
	return Success(c, json.RawMessage(result.Data))
}

// fetcher adapts an engine query into the runner's fetch callback.
func (h *CostHandler) fetcher(sql string) cache.Fetcher {
	return func(ctx context.Context) ([]byte, error) {
		rows, err := h.engine.Query(ctx, sql)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	}
}

// queryWindowDays parses the window_days query parameter, clamped to a
// sane range.
func queryWindowDays(c *fiber.Ctx) int {
	window := c.QueryInt("window_days", defaultWindowDays)
	if window <= 0 || window > maxWindowDays {
		return defaultWindowDays
	}
	return window
}
