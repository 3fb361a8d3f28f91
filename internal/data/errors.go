package data

import (
	"errors"
	"fmt"
	"strings"

	mattn "github.com/mattn/go-sqlite3"
	moderncsqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a record does not exist (yet).
	ErrNotFound = errors.New("record not found")

	// ErrLocked is returned when SQLite reports write contention. It is
	// transient and callers are expected to retry.
	ErrLocked = errors.New("database is locked")
)

// IsLocked reports whether err is a retryable lock error.
func IsLocked(err error) bool { return errors.Is(err, ErrLocked) }

// IsNotFound reports whether err means the record was missing.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// classify wraps driver lock errors in ErrLocked so callers can retry
// without knowing which driver is in use.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isLockError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrLocked, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isLockError(err error) bool {
	var me *moderncsqlite.Error
	if errors.As(err, &me) {
		switch me.Code() & 0xff {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return true
		}
		return false
	}

	var ce mattn.Error
	if errors.As(err, &ce) {
		return ce.Code == mattn.ErrBusy || ce.Code == mattn.ErrLocked
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
