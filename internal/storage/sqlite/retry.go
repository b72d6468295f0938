package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Write contention policy: exponential backoff with 10% jitter, 100 ms base,
// doubling per attempt, capped at 5 s, 3 attempts total.
const (
	busyBaseDelay  = 100 * time.Millisecond
	busyMaxDelay   = 5 * time.Second
	busyMaxRetries = 2 // retries after the first attempt
)

// retryBusy reports whether err is a transient SQLITE_BUSY/SQLITE_LOCKED
// condition worth retrying. Extended result codes share the primary code in
// the low byte.
func retryBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func busyBackoff() retry.Backoff {
	return retry.WithMaxRetries(busyMaxRetries,
		retry.WithJitterPercent(10,
			retry.WithCappedDuration(busyMaxDelay,
				retry.NewExponential(busyBaseDelay))))
}

// withRetry runs op, retrying on write contention.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	return retry.Do(ctx, busyBackoff(), func(ctx context.Context) error {
		if err := op(); err != nil {
			if retryBusy(err) {
				if s.onRetry != nil {
					s.onRetry()
				}
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// exec runs a write statement through the retry policy.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.write.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// withTx runs fn inside a write transaction through the retry policy. The
// whole transaction is retried on contention, so fn must be idempotent.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.write.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
