package postgres

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"syscall"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// Transient Postgres SQLSTATEs: admin shutdown (57P01..57P03) and
// connection failures (08003, 08006).
var transientPgCodes = map[string]bool{
	"57P01": true,
	"57P02": true,
	"57P03": true,
	"08003": true,
	"08006": true,
}

var transientMessages = []string{
	"socket hang up",
	"connection reset",
	"connection refused",
	"connection timed out",
	"broken pipe",
	"unexpected eof",
	"server closed the connection",
}

// IsTransient classifies connection-level errors that are safe to retry.
// Anything else (constraint violations, syntax, not-found) propagates.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCodes[pgErr.Code]
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// WithRetry wraps op in an exponential backoff retry against transient
// connection errors: base 250ms, up to 5 attempts, 5s cap, +/-30% jitter.
func WithRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.RandomizationFactor = 0.3
	expo.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempts >= 5 {
			return backoff.Permanent(err)
		}
		slog.Warn("transient db error, retrying",
			slog.String("op", name),
			slog.Int("attempt", attempts),
			slog.Any("error", err))
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(expo, ctx))
}

// execRetry runs a mutating statement under WithRetry so transient
// connection errors are invisible to callers.
func execRetry(ctx context.Context, p PgxPool, name, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := WithRetry(ctx, name, func(ctx context.Context) error {
		var err error
		tag, err = p.Exec(ctx, sql, args...)
		return err
	})
	return tag, err
}
