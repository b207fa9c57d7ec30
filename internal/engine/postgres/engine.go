// Package postgres provides the PostgreSQL-backed analytics engine.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"costwatch-go/internal/config"
	"costwatch-go/internal/domain"
	"costwatch-go/internal/engine"
)

// Engine implements engine.Engine and engine.Sink over a pgx pool.
type Engine struct {
	pool *pgxpool.Pool
}

// NewEngine creates a PostgreSQL-backed engine and verifies connectivity.
func NewEngine(ctx context.Context, cfg *config.PostgresConfig) (*Engine, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxOpenConns
	poolConfig.MinConns = cfg.MaxIdleConns
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Engine{pool: pool}, nil
}

// EnsureSchema creates the usage table and its indexes.
func (e *Engine) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS cost_usage (
			id BIGSERIAL PRIMARY KEY,
			resource_id VARCHAR(255) NOT NULL,
			service_name VARCHAR(255) NOT NULL,
			provider VARCHAR(100) NOT NULL,
			region VARCHAR(100),
			usage_ts TIMESTAMP WITH TIME ZONE NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			currency VARCHAR(10) NOT NULL DEFAULT 'USD'
		);

		CREATE INDEX IF NOT EXISTS idx_cost_usage_ts ON cost_usage(usage_ts);
		CREATE INDEX IF NOT EXISTS idx_cost_usage_resource ON cost_usage(resource_id);
		CREATE INDEX IF NOT EXISTS idx_cost_usage_service ON cost_usage(service_name);
	`

	if _, err := e.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// InsertUsage persists a single usage record.
func (e *Engine) InsertUsage(ctx context.Context, record domain.UsageRecord) error {
	query := `
		INSERT INTO cost_usage (resource_id, service_name, provider, region, usage_ts, amount, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := e.pool.Exec(ctx, query,
		record.ResourceID,
		record.ServiceName,
		record.Provider,
		record.Region,
		record.Timestamp,
		record.Amount,
		record.Currency,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// Query runs an aggregation query and returns all result rows keyed by
// column name.
func (e *Engine) Query(ctx context.Context, sql string) ([]engine.Row, error) {
	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	results := make([]engine.Row, 0)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}

		row := make(engine.Row, len(fields))
		for i, field := range fields {
			row[field.Name] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	return results, nil
}

// Close closes the connection pool.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}
