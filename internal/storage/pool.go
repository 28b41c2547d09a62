// Package storage provides the PostgreSQL implementation of the store
// contract: connection pooling via pgxpool, transactional append-only
// snapshot writes guarded by advisory locks, jsonb-indexed definition
// catalogs, and cascading user deletion with an audit archive.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/aurelia-ai/facet/internal/telemetry"
)

// DB wraps a pgxpool.Pool and implements store.Store.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics publishes pgxpool statistics as observable gauges.
func (db *DB) RegisterPoolMetrics() error {
	meter := telemetry.Meter("facet/storage")

	total, err := meter.Int64ObservableGauge("facet.db.pool.connections.total",
		metric.WithDescription("Total connections in the pool"))
	if err != nil {
		return fmt.Errorf("storage: create pool gauge: %w", err)
	}
	idle, err := meter.Int64ObservableGauge("facet.db.pool.connections.idle",
		metric.WithDescription("Idle connections in the pool"))
	if err != nil {
		return fmt.Errorf("storage: create pool gauge: %w", err)
	}
	waiting, err := meter.Int64ObservableGauge("facet.db.pool.acquire.waiting",
		metric.WithDescription("Goroutines blocked waiting on an acquire"))
	if err != nil {
		return fmt.Errorf("storage: create pool gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(waiting, stat.EmptyAcquireCount())
		return nil
	}, total, idle, waiting)
	if err != nil {
		return fmt.Errorf("storage: register pool callback: %w", err)
	}
	return nil
}
