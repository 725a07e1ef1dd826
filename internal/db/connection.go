// Package db opens the Postgres pool behind the price cache and makes sure
// the cache table exists.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the price cache table. A NULL price marks an interval the
// provider has confirmed it has no price for. Rows are keyed by series so
// several areas or resolutions can share one database.
const Schema = `
CREATE TABLE IF NOT EXISTS electricity_prices (
	series         TEXT        NOT NULL,
	interval_start TIMESTAMPTZ NOT NULL,
	price          NUMERIC(12, 4),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (series, interval_start)
);
`

// PoolOptions sizes the pool. Zero values take the defaults below.
type PoolOptions struct {
	// MaxConns bounds concurrent queries across sync commits and API reads.
	MaxConns       int32
	MinConns       int32
	MaxIdle        time.Duration
	MaxLifetime    time.Duration
	ConnectTimeout time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxConns <= 0 {
		o.MaxConns = 10
	}
	if o.MinConns <= 0 {
		o.MinConns = 1
	}
	if o.MinConns > o.MaxConns {
		o.MinConns = o.MaxConns
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = 30 * time.Second
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 5 * time.Minute
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	return o
}

// Open connects, checks the server answers and applies Schema. The pool is
// closed again on any failure.
func Open(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	opts = opts.withDefaults()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnIdleTime = opts.MaxIdle
	cfg.MaxConnLifetime = opts.MaxLifetime

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	var now time.Time
	if err := p.QueryRow(ctx, "SELECT NOW()").Scan(&now); err != nil {
		p.Close()
		return nil, fmt.Errorf("test query: %w", err)
	}
	if _, err := p.Exec(ctx, Schema); err != nil {
		p.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	fmt.Printf("[DB] Connected at %s (pool %d-%d), schema ready\n",
		now.Format(time.RFC3339), opts.MinConns, opts.MaxConns)
	return p, nil
}
