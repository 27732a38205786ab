// Package pgerr classifies PostgreSQL driver errors without tying stores to
// a single driver. The repo opens connections through the pgx stdlib driver
// while integration suites still register lib/pq, so both error shapes are
// recognized.
package pgerr

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE class 23 integrity violations.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// IsUniqueViolation reports whether err is a unique-constraint violation.
// Stores use this to turn a racing insert into a fetch-existing retry.
func IsUniqueViolation(err error) bool {
	return hasSQLState(err, codeUniqueViolation)
}

// IsForeignKeyViolation reports whether err is a foreign-key violation.
func IsForeignKeyViolation(err error) bool {
	return hasSQLState(err, codeForeignKeyViolation)
}

func hasSQLState(err error, code string) bool {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code == code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}
