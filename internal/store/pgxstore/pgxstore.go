// Package pgxstore provides the "pgx" store.Driver backed by a jackc/pgx
// connection pool. Prices travel as text and are cast to NUMERIC in SQL so
// decimal precision never passes through float conversion.
package pgxstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/store"
	"github.com/jensholdgaard/bidsync/internal/store/migrations"
)

func init() {
	store.Register("pgx", openPgx)
}

func openPgx(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := migrations.Apply(ctx, Exec(pool)); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &store.Repositories{
		Auctions: NewAuctionRepo(pool, clk),
		Events:   NewEventStore(pool, clk),
		Closer: store.CloserFunc(func() error {
			pool.Close()
			return nil
		}),
		Ping: pool.Ping,
	}, nil
}

// Connect opens and verifies a pgx connection pool.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// Exec adapts pool to migrations.ExecFunc. Scripts run over the simple
// protocol, so one call may hold several statements.
func Exec(pool *pgxpool.Pool) migrations.ExecFunc {
	return func(ctx context.Context, script string) error {
		_, err := pool.Exec(ctx, script)
		return err
	}
}
