package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/failure"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique constraint violation on insert.
var ErrDuplicate = errors.New("duplicate")

// ErrClaimLost is returned by bookkeeping writes when the job is no longer
// held under the caller's claim token (cancelled, reclaimed after lease
// expiry, or already finished).
var ErrClaimLost = errors.New("job claim lost")

// PostgreSQL SQLSTATE codes that indicate the storage layer itself is
// misconfigured rather than a single row being bad.
var systemicPgCodes = map[string]bool{
	"42P17": true, // infinite recursion detected in policy
	"42501": true, // insufficient_privilege
	"42P01": true, // undefined_table
	"42703": true, // undefined_column
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// ClassifyStorageError tags err as failure.KindSystemic when it signals a
// broken schema or access policy. Other errors are returned unchanged.
func ClassifyStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if systemicPgCodes[pgErr.Code] {
			return failure.Systemic(op, err)
		}
		return err
	}
	low := strings.ToLower(err.Error())
	if strings.Contains(low, "infinite recursion") ||
		strings.Contains(low, "no such table") ||
		strings.Contains(low, "no such column") {
		return failure.Systemic(op, err)
	}
	return err
}
