package db

import (
	"context"
	"fmt"
	"time"

	"backend-lari2gether/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	newPoolFn  = pgxpool.New
	pingPoolFn = func(ctx context.Context, pool *pgxpool.Pool) error { return pool.Ping(ctx) }
)

// ConnectPostgres opens the pool backing the remote run table. A failed ping
// still returns the pool alongside the error: pgxpool dials lazily, so the
// pool starts working once the database is reachable.
func ConnectPostgres(cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := newPoolFn(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		return pool, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
