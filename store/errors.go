package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error types surfaced by store operations. Handlers map these onto HTTP
// statuses: ValidationError 400, ErrNotFound 404, ErrForbidden 403,
// WrongStateError 400.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports rejected input. Never retried.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string {
	return e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// WrongStateError reports an operation that is not legal in the entity's
// current state, carrying the state that was found. The caller may poll
// and retry.
type WrongStateError struct {
	Entity string
	State  string
}

func (e WrongStateError) Error() string {
	return fmt.Sprintf("%s in wrong state %q", e.Entity, e.State)
}

// WrongJobCountError is returned by CloseBatch when the declared job count
// does not match the number of inserted jobs.
type WrongJobCountError struct {
	Expected int
	Actual   int
}

func (e WrongJobCountError) Error() string {
	return fmt.Sprintf("wrong number of jobs: expected %d, actual %d", e.Expected, e.Actual)
}

// Postgres serialization_failure and deadlock_detected. Transactions
// failing with either are retried immediately.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// IsDeadlock reports whether err is a serialization or deadlock failure.
func IsDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// IsUniqueViolation reports whether err is a primary-key or unique-index
// collision.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation
}
