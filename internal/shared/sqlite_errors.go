// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	return hasPrimaryCode(err, sqlite3.SQLITE_BUSY) || containsText(err, "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	return hasPrimaryCode(err, sqlite3.SQLITE_LOCKED) || containsText(err, "database is locked")
}

// IsSQLiteConflictError reports either form of SQLite lock contention.
// Both typically warrant retry logic.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// hasPrimaryCode compares the primary result code, ignoring extended bits.
func hasPrimaryCode(err error, code int) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code()&0xff == code
}

func containsText(err error, text string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), text)
}
