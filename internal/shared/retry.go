package shared

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultTxAttempts bounds automatic retries of serialization failures.
const DefaultTxAttempts = 3

// IsSerializationFailure reports whether err is a transaction conflict the
// engine may safely retry (serialization failure or deadlock).
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// RetryTx runs fn up to attempts times, retrying only serialization failures.
// Business errors surface immediately; exhausted retries are wrapped in
// ConcurrencyConflict.
func RetryTx(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultTxAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn(ctx)
		if err == nil || !IsSerializationFailure(err) {
			return err
		}
	}
	return &ConcurrencyConflict{Attempts: attempts, Err: err}
}
