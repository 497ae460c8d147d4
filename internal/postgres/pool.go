// Package postgres builds pgx pools with tracing and query logging wired in.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOption adjusts pool construction.
type PoolOption func(*poolSettings)

type poolSettings struct {
	observe QueryObserver
	minLog  time.Duration
}

// WithQueryObserver routes one measurement per completed query to fn,
// typically a Prometheus histogram.
func WithQueryObserver(fn QueryObserver) PoolOption {
	return func(s *poolSettings) { s.observe = fn }
}

// WithQueryLogThreshold suppresses log lines for successful queries
// faster than d. Failed queries are always logged.
func WithQueryLogThreshold(d time.Duration) PoolOption {
	return func(s *poolSettings) { s.minLog = d }
}

// NewPool parses the database URL, attaches the otelpgx span tracer
// wrapped with structured query logging, and returns a verified pool.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	var s poolSettings
	for _, opt := range opts {
		opt(&s)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.ConnConfig.Tracer = &queryTracer{
		inner:   otelpgx.NewTracer(),
		observe: s.observe,
		minLog:  s.minLog,
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}
