// Package postgres provides the PostgreSQL ledger store, the transactional
// outbox relay and schema migrations.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospharm/medcore/internal/domain/ledger"
)

// TopicRouter picks the broker topic for an event type.
type TopicRouter func(ledger.EventType) string

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
}

// NewPool opens and pings a pgx connection pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Store reads reference data and the item ledger, and appends
// administrations together with their outbox entries.
type Store struct {
	pool   *pgxpool.Pool
	router TopicRouter
	logger *zap.Logger
	tracer trace.Tracer

	// serializationAttempts bounds how often an administration transaction
	// runs when it keeps losing serialization races.
	serializationAttempts int
}

// NewStore creates a store over pool.
func NewStore(pool *pgxpool.Pool, router TopicRouter, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:                  pool,
		router:                router,
		logger:                logger,
		tracer:                otel.Tracer("postgres-store"),
		serializationAttempts: 3,
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
