package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sahinler/edgescale/internal/storage"
)

// rfc3339Milli is the persisted timestamp layout. Millisecond resolution,
// always UTC, and lexicographically ordered so ORDER BY on the column is
// chronological.
const rfc3339Milli = "2006-01-02T15:04:05.000Z"

// formatTime renders t for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(rfc3339Milli)
}

// formatTimePtr renders t for storage, mapping nil to a SQL NULL.
func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseTime reads a stored timestamp back.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(rfc3339Milli, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// parseTimePtr reads a nullable stored timestamp back.
func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullable maps an empty string to SQL NULL. Used for optional FK columns.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueConstraintError reports whether err is a UNIQUE constraint
// violation. The driver surfaces these as plain errors, so string matching
// is the portable check.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to storage.ErrNotFound.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
