// Package postgres implements the persistence store over pgx.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelforge/reelforge/internal/config"
)

// PgxPool is the subset of pgxpool.Pool the repositories use; it keeps the
// repos mockable in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewPool creates a pgx connection pool sized for the orchestrator: the cap
// must cover 20 polling workers plus 8 concurrent submitters plus the HTTP
// facade.
func NewPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = int32(cfg.DBPoolSize)
	pc.MaxConnIdleTime = cfg.DBIdleTimeout
	pc.ConnConfig.ConnectTimeout = cfg.DBAcquireTimeout
	// pgx has no per-connection reuse counter; a lifetime cap recycles
	// connections at roughly the same cadence.
	pc.MaxConnLifetime = 30 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
