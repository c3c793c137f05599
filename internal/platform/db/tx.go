package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// WithTx executes fn within a serializable transaction. Mutating operations
// run at this level so concurrent callers never observe torn state.
func WithTx(ctx context.Context, pool *pgxpool.Pool, op string, fn func(pgx.Tx) error) error {
	return withTx(ctx, pool, pgx.Serializable, op, fn)
}

// WithReadTx executes fn within a repeatable-read transaction. Derived
// summaries are snapshot reads with no side effects and tolerate the weaker
// level.
func WithReadTx(ctx context.Context, pool *pgxpool.Pool, op string, fn func(pgx.Tx) error) error {
	return withTx(ctx, pool, pgx.RepeatableRead, op, fn)
}

func withTx(ctx context.Context, pool *pgxpool.Pool, iso pgx.TxIsoLevel, op string, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return &shared.StoreUnavailable{Op: op + ".begin", Err: err}
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	// Commit errors stay unwrapped so serialization failures remain
	// visible to the retry layer.
	return tx.Commit(ctx)
}
