package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"
)

// Retry schedule for short statements: linear backoff, retries × base.
// A fully contended statement waits 40×41/2 × 100µs ≈ 82ms before giving up.
const (
	maxRetries   = 40
	retryBackoff = 100 * time.Microsecond
)

// Retry schedule for the prepared-INSERT path used by bulk ingest. Bulk
// writers colliding with each other recover faster with a coarser,
// jittered schedule than with the fine linear one.
const (
	prepCmdMaxRetries   = 20
	prepCmdRetryBase    = 5 * time.Millisecond
	prepCmdRetryBackoff = 5 * time.Millisecond
)

// execRetry runs fn, retrying while it reports BUSY or LOCKED. Attempt n
// sleeps n × retryBackoff before retrying. After exhaustion the last error
// is returned wrapped in ErrRetriesExhausted; the caller must treat the
// operation as fatal and roll back any open transaction.
func (s *Store) execRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
	}
	s.log.Error("statement retries exhausted", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, ErrRetriesExhausted, err)
}

// stepRetry is the prepared-statement variant used on the bulk INSERT
// path: fixed base plus jitter, fewer attempts.
func (s *Store) stepRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= prepCmdMaxRetries; attempt++ {
		if attempt > 0 {
			delay := prepCmdRetryBase + time.Duration(rand.Int63n(int64(prepCmdRetryBackoff)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
	}
	s.log.Error("prepared statement retries exhausted", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, ErrRetriesExhausted, err)
}

// execConn runs a statement on conn through the short retry schedule.
func (s *Store) execConn(ctx context.Context, conn *sql.Conn, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.execRetry(ctx, "exec", func() error {
		var err error
		res, err = conn.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}
