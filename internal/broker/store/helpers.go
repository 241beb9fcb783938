package store

import (
	"database/sql"
	"strings"
)

// isUniqueViolation reports whether err is a SQLite unique-constraint failure.
// modernc.org/sqlite surfaces these as plain errors, so string matching is
// the only portable check.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
