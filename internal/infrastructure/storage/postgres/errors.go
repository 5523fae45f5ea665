package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"markhub/internal/core/apperror"
)

// SQLSTATE codes mapped to application errors.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// IsNoRows reports whether err is pgx.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// MapError converts constraint and concurrency failures into application
// errors. Other errors are returned unchanged.
func MapError(err error, entity string, entityID any) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return apperror.NewConflict(entity+" already exists").
			WithDetail("id", entityID).
			WithDetail("constraint", pgErr.ConstraintName).
			WithCause(err)
	case pgForeignKeyViolation:
		return apperror.NewConflict(entity+" is referenced by other records").
			WithDetail("id", entityID).
			WithDetail("constraint", pgErr.ConstraintName).
			WithCause(err)
	case pgSerializationFailure, pgDeadlockDetected:
		return apperror.NewConcurrentModification(entity, entityID).WithCause(err)
	}
	return err
}
