package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Adapter-level failure kinds. The adapter surfaces these without deciding on
// retries; the executor and maintenance loop classify and react.
var (
	ErrConnectionLost    = errors.New("db: connection lost")
	ErrTimeout           = errors.New("db: operation timed out")
	ErrDDLConflict       = errors.New("db: ddl conflict")
	ErrPermissionDenied  = errors.New("db: permission denied")
	ErrPoolExhausted     = errors.New("db: connection pool exhausted")
	ErrInvalidIdentifier = errors.New("db: invalid identifier")
	ErrLockTimeout       = errors.New("db: lock acquisition timed out")
	ErrDeadlock          = errors.New("db: deadlock detected")
	ErrDuplicateObject   = errors.New("db: object already exists")
)

// Postgres SQLSTATE codes the adapter distinguishes.
const (
	codeLockNotAvailable  = "55P03"
	codeDeadlockDetected  = "40P01"
	codeInsufficientPriv  = "42501"
	codeDuplicateTable    = "42P07"
	codeDuplicateObject   = "42710"
	codeQueryCanceled     = "57014"
	codeAdminShutdown     = "57P01"
	codeConnectionFailure = "08006"
)

// Translate maps a raw driver error onto an adapter failure kind, wrapping the
// original so callers can still unwrap driver detail.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable:
			return errors.Join(ErrLockTimeout, err)
		case codeDeadlockDetected:
			return errors.Join(ErrDeadlock, err)
		case codeInsufficientPriv:
			return errors.Join(ErrPermissionDenied, err)
		case codeDuplicateTable, codeDuplicateObject:
			return errors.Join(ErrDuplicateObject, err)
		case codeQueryCanceled:
			return errors.Join(ErrTimeout, err)
		case codeAdminShutdown, codeConnectionFailure:
			return errors.Join(ErrConnectionLost, err)
		}
	}
	return err
}

// Retryable reports whether an error is a transient condition worth retrying
// with backoff. Permission, syntax and duplicate errors are fatal.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrDeadlock) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrTimeout)
}

// ErrorKind returns a short stable label for an adapter error, used as a
// circuit breaker key and in mutation log details.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLockTimeout):
		return "lock-timeout"
	case errors.Is(err, ErrDeadlock):
		return "deadlock"
	case errors.Is(err, ErrConnectionLost):
		return "connection-lost"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPermissionDenied):
		return "permission-denied"
	case errors.Is(err, ErrDuplicateObject):
		return "duplicate-object"
	case errors.Is(err, ErrPoolExhausted):
		return "pool-exhausted"
	case errors.Is(err, ErrInvalidIdentifier):
		return "invalid-identifier"
	default:
		return "other"
	}
}
