package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"
)

// Sentinel errors for common store conditions
var (
	// ErrNotFound indicates the requested resource was not found in the database
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates the store has been closed
	ErrClosed = errors.New("store closed")

	// ErrRetriesExhausted indicates a statement stayed BUSY/LOCKED past the
	// retry cap; the current operation is fatal and any open transaction
	// must be rolled back
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// wrapDBError wraps a database error with operation context.
// It converts sql.ErrNoRows to ErrNotFound for consistent error handling.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isBusy reports whether err is a transient SQLITE_BUSY/SQLITE_LOCKED
// condition. Only these are retried; every other error class is fatal for
// the current operation.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
		return true
	}
	// Fallback for errors rewrapped by database/sql.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
