package qacache

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/sethvargo/go-retry"
)

// Retrying wraps a Store so transient I/O failures (a busy SQLite
// file, a dropped PostgreSQL connection) are retried with bounded
// backoff. Once attempts are exhausted the last error is returned.
type Retrying struct {
	next    Store
	backoff func() retry.Backoff
	logger  *slog.Logger
}

// NewRetrying wraps next. backoff is called once per operation so
// each operation gets a fresh attempt budget.
func NewRetrying(next Store, backoff func() retry.Backoff, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, backoff: backoff, logger: logger}
}

// Lookup implements Store.
func (r *Retrying) Lookup(ctx context.Context, question string) (string, bool, error) {
	var (
		answer string
		found  bool
	)
	err := r.do(ctx, "lookup", func(ctx context.Context) error {
		var err error
		answer, found, err = r.next.Lookup(ctx, question)
		return err
	})
	return answer, found, err
}

// Upsert implements Store.
func (r *Retrying) Upsert(ctx context.Context, question, answer string) error {
	return r.do(ctx, "upsert", func(ctx context.Context) error {
		return r.next.Upsert(ctx, question, answer)
	})
}

// Close closes the wrapped store.
func (r *Retrying) Close() error {
	return r.next.Close()
}

func (r *Retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && IsTransient(err) && ctx.Err() == nil {
			r.logger.Warn("transient cache failure",
				"op", op,
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

// IsTransient reports whether a store error is worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyQuestion) {
		return false
	}
	if sqliteBusy(err) || pgTransient(err) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
