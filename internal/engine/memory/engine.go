// Package memory provides an in-memory analytics engine for memory mode
// and tests. It recognizes the aggregation queries the system issues and
// computes them over records held in a slice; arbitrary SQL can be canned
// per query string for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"costwatch-go/internal/domain"
	"costwatch-go/internal/engine"
)

// Engine implements engine.Engine and engine.Sink in memory.
type Engine struct {
	mu      sync.RWMutex
	records []domain.UsageRecord
	canned  map[string][]engine.Row

	queryCalls  atomic.Int64
	insertCalls atomic.Int64

	// now is swappable so window math is deterministic in tests.
	now func() time.Time
}

// NewEngine creates an empty in-memory engine.
func NewEngine() *Engine {
	return &Engine{
		canned: make(map[string][]engine.Row),
		now:    time.Now,
	}
}

// SetClock overrides the time source used for window cutoffs.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetResult cans the rows returned for an exact query string.
func (e *Engine) SetResult(sql string, rows []engine.Row) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canned[sql] = rows
}

// InsertUsage persists a single usage record.
func (e *Engine) InsertUsage(ctx context.Context, record domain.UsageRecord) error {
	e.insertCalls.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
	return nil
}

// Query answers the aggregation queries built by the engine package and
// any canned query. Unknown SQL is an error, surfacing typos in callers.
func (e *Engine) Query(ctx context.Context, sql string) ([]engine.Row, error) {
	e.queryCalls.Add(1)

	e.mu.RLock()
	defer e.mu.RUnlock()

	if rows, ok := e.canned[sql]; ok {
		return rows, nil
	}

	windowDays := parseWindowDays(sql)
	switch {
	case strings.Contains(sql, "total_spend"):
		return e.kpiRows(windowDays), nil
	case strings.Contains(sql, "LIMIT"):
		return e.topServiceRows(windowDays, parseLimit(sql)), nil
	case strings.Contains(sql, "date_trunc"):
		return e.dailyRows(windowDays), nil
	}
	return nil, fmt.Errorf("unrecognized query: %s", strings.TrimSpace(sql))
}

// QueryCalls returns how many queries have been executed.
func (e *Engine) QueryCalls() int64 {
	return e.queryCalls.Load()
}

// InsertCalls returns how many records have been inserted.
func (e *Engine) InsertCalls() int64 {
	return e.insertCalls.Load()
}

// Len returns the number of stored records.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// DeleteBefore removes records with timestamps before the cutoff and
// returns how many were removed. Used by retention cleanup in memory mode.
func (e *Engine) DeleteBefore(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.records[:0]
	removed := 0
	for _, record := range e.records {
		if record.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, record)
	}
	e.records = kept
	return removed
}

// Reset drops all stored records. Used by purge in memory mode.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = nil
}

// cutoff returns the window start. Caller must hold at least a read lock.
func (e *Engine) cutoff(windowDays int) time.Time {
	return e.now().AddDate(0, 0, -windowDays)
}

func (e *Engine) dailyRows(windowDays int) []engine.Row {
	type key struct {
		day      time.Time
		resource string
		service  string
	}

	cutoff := e.cutoff(windowDays)
	totals := make(map[key]float64)
	for _, record := range e.records {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		day := record.Timestamp.UTC().Truncate(24 * time.Hour)
		totals[key{day, record.ResourceID, record.ServiceName}] += record.Amount
	}

	rows := make([]engine.Row, 0, len(totals))
	for k, total := range totals {
		rows = append(rows, engine.Row{
			"day":          k.day,
			"resource_id":  k.resource,
			"service_name": k.service,
			"total_cost":   total,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		di, dj := rows[i]["day"].(time.Time), rows[j]["day"].(time.Time)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return rows[i]["resource_id"].(string) < rows[j]["resource_id"].(string)
	})
	return rows
}

func (e *Engine) kpiRows(windowDays int) []engine.Row {
	cutoff := e.cutoff(windowDays)
	var total float64
	services := make(map[string]struct{})
	resources := make(map[string]struct{})

	for _, record := range e.records {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		total += record.Amount
		services[record.ServiceName] = struct{}{}
		resources[record.ResourceID] = struct{}{}
	}

	daily := 0.0
	if windowDays > 0 {
		daily = total / float64(windowDays)
	}
	return []engine.Row{{
		"total_spend":    total,
		"daily_average":  daily,
		"service_count":  int64(len(services)),
		"resource_count": int64(len(resources)),
	}}
}

func (e *Engine) topServiceRows(windowDays, limit int) []engine.Row {
	cutoff := e.cutoff(windowDays)
	totals := make(map[string]float64)
	for _, record := range e.records {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		totals[record.ServiceName] += record.Amount
	}

	rows := make([]engine.Row, 0, len(totals))
	for service, total := range totals {
		rows = append(rows, engine.Row{"service_name": service, "total_cost": total})
	}
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := rows[i]["total_cost"].(float64), rows[j]["total_cost"].(float64)
		if ti != tj {
			return ti > tj
		}
		return rows[i]["service_name"].(string) < rows[j]["service_name"].(string)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// parseWindowDays pulls N out of "interval 'N days'". Defaults to 30.
func parseWindowDays(sql string) int {
	const marker = "interval '"
	idx := strings.Index(sql, marker)
	if idx < 0 {
		return 30
	}
	rest := sql[idx+len(marker):]
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		return 30
	}
	n := 0
	if _, err := fmt.Sscanf(rest[:end], "%d", &n); err != nil || n <= 0 {
		return 30
	}
	return n
}

// parseLimit pulls N out of "LIMIT N". Defaults to 5.
func parseLimit(sql string) int {
	idx := strings.Index(sql, "LIMIT ")
	if idx < 0 {
		return 5
	}
	n := 0
	if _, err := fmt.Sscanf(sql[idx+len("LIMIT "):], "%d", &n); err != nil || n <= 0 {
		return 5
	}
	return n
}
