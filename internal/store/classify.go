package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Postgres SQLSTATE codes.
const (
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

// MySQL server error numbers.
const (
	myLockWaitTimeout = 1205
	myDeadlock        = 1213
	myLockNowait      = 3572
	myDuplicateEntry  = 1062
)

// Classify translates a driver error into one of the package sentinels while
// keeping the original error in the chain. Unknown errors are returned as is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrNotFound, ErrLockBusy, ErrDeadlock, ErrSerialization, ErrUniqueViolation} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable:
			return fmt.Errorf("%w: %w", ErrLockBusy, err)
		case pgDeadlockDetected:
			return fmt.Errorf("%w: %w", ErrDeadlock, err)
		case pgSerializationFailure:
			return fmt.Errorf("%w: %w", ErrSerialization, err)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		}
		return err
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case myLockWaitTimeout, myLockNowait:
			return fmt.Errorf("%w: %w", ErrLockBusy, err)
		case myDeadlock:
			return fmt.Errorf("%w: %w", ErrDeadlock, err)
		case myDuplicateEntry:
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		}
		return err
	}

	// SQLite reports contention only through its message text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "sqlite_busy"):
		return fmt.Errorf("%w: %w", ErrLockBusy, err)
	case strings.Contains(msg, "unique constraint failed"):
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}
