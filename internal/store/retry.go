package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	conflictAttempts  = 3
	conflictBaseDelay = 100 * time.Millisecond
)

// isConflict reports busy or locked failures, which clear once the competing
// writer commits. Errors that lost their driver type are matched by message.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnConflict runs fn until it succeeds, fails with a non-conflict error,
// or conflictAttempts is reached, backing off 100ms then 200ms.
func retryOnConflict(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isConflict(err) {
			return err
		}
		if attempt == conflictAttempts {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}
		delay := conflictBaseDelay << (attempt - 1)
		slog.Debug("sqlite conflict, retrying", "op", op, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
