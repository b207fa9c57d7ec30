// Package engine defines the analytics engine boundary. The engine answers
// SQL aggregation queries over usage data and accepts usage inserts; the
// rest of the system only sees rows, never the database driver.
package engine

import (
	"context"
	"fmt"
	"time"

	"costwatch-go/internal/domain"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// Engine executes aggregation queries against the usage data set.
type Engine interface {
	// Query runs an aggregation query and returns all result rows.
	Query(ctx context.Context, sql string) ([]Row, error)
}

// Sink accepts usage records for persistence in the analytics store.
type Sink interface {
	// InsertUsage persists a single usage record.
	InsertUsage(ctx context.Context, record domain.UsageRecord) error
}

// DailyResourceCostsSQL builds the per-resource daily cost aggregation over
// the trailing window.
func DailyResourceCostsSQL(windowDays int) string {
	return fmt.Sprintf(`
		SELECT
			date_trunc('day', usage_ts) AS day,
			resource_id,
			service_name,
			SUM(amount) AS total_cost
		FROM cost_usage
		WHERE usage_ts >= now() - interval '%d days'
		GROUP BY 1, 2, 3
		ORDER BY 1, 2`, windowDays)
}

// CostKPIsSQL builds the headline KPI aggregation: total spend, daily
// average and service count over the trailing window.
func CostKPIsSQL(windowDays int) string {
	return fmt.Sprintf(`
		SELECT
			COALESCE(SUM(amount), 0) AS total_spend,
			COALESCE(SUM(amount), 0) / %d AS daily_average,
			COUNT(DISTINCT service_name) AS service_count,
			COUNT(DISTINCT resource_id) AS resource_count
		FROM cost_usage
		WHERE usage_ts >= now() - interval '%d days'`, windowDays, windowDays)
}

// TopServicesSQL builds the per-service spend ranking over the window.
func TopServicesSQL(windowDays, limit int) string {
	return fmt.Sprintf(`
		SELECT
			service_name,
			SUM(amount) AS total_cost
		FROM cost_usage
		WHERE usage_ts >= now() - interval '%d days'
		GROUP BY 1
		ORDER BY 2 DESC
		LIMIT %d`, windowDays, limit)
}

// PointsFromRows converts daily-cost rows into cost points. Rows missing a
// required column or holding an unusable value are skipped; the detector
// treats the remaining points as the series.
func PointsFromRows(rows []Row) []domain.CostPoint {
	points := make([]domain.CostPoint, 0, len(rows))
	for _, row := range rows {
		point := domain.CostPoint{
			Timestamp:   asTime(row["day"]),
			Value:       asFloat(row["total_cost"]),
			ResourceID:  asString(row["resource_id"]),
			ServiceName: asString(row["service_name"]),
		}
		if !point.IsValid() {
			continue
		}
		points = append(points, point)
	}
	return points
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
