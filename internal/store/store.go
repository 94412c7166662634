// Package store is the gateway's persistent-store adapter: a pgx/v5
// connection pool over the instrument_subscriptions, trading_accounts, and
// order_tasks tables, plus schema_migrations bookkeeping.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epic1st/optionstream/backend/internal/apperr"
)

// Config describes how to reach Postgres.
type Config struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// Store wraps a pgxpool.Pool and exposes the gateway's table-specific
// queries.
type Store struct {
	Pool *pgxpool.Pool
}

// Open dials Postgres, verifies connectivity, and returns a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	connStr := buildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, apperr.ConfigErr("parse store connection string: %v", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperr.Store(err, "create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Store(err, "ping store")
	}

	return &Store{Pool: pool}, nil
}

func buildConnString(cfg Config) string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode)
}

// Close releases the pool.
func (s *Store) Close() { s.Pool.Close() }

// Ping verifies the store is reachable, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.Pool.Ping(ctx); err != nil {
		return apperr.Store(err, "ping store")
	}
	return nil
}
