/**
 * @description
 * Database error classification and retry.
 * Maps driver errors onto sentinel errors (missing schema, duplicate key) and retries
 * transient failures such as deadlocks and serialization conflicts with jittered backoff.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgconn: SQLSTATE codes
 * - gorm.io/gorm
 */

package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrSchemaMissing means the tables have not been created yet. It is not transient:
// the operator has to run cmd/migrate.
var ErrSchemaMissing = errors.New("database schema missing: run cmd/migrate")

// Postgres SQLSTATE codes we act on
const (
	codeUndefinedTable       = "42P01"
	codeUniqueViolation      = "23505"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUndefinedTable reports a missing-table error from Postgres or SQLite
func IsUndefinedTable(err error) bool {
	if err == nil {
		return false
	}
	if pgCode(err) == codeUndefinedTable {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such table")
}

// IsDuplicate reports a unique constraint violation
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || pgCode(err) == codeUniqueViolation {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsRetryable reports a deadlock or serialization failure
func IsRetryable(err error) bool {
	code := pgCode(err)
	return code == codeDeadlockDetected || code == codeSerializationFailure
}

// Classify maps a missing schema onto ErrSchemaMissing and leaves other errors untouched
func Classify(err error) error {
	if IsUndefinedTable(err) && !errors.Is(err, ErrSchemaMissing) {
		return fmt.Errorf("%w: %v", ErrSchemaMissing, err)
	}
	return err
}

// WithRetry runs fn up to attempts times, backing off between deadlock or
// serialization failures. Any other error is returned immediately.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}

		backoff := time.Duration(attempt*100+rand.Intn(100)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
