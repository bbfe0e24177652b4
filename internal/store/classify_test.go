package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected error
	}{
		{"Record not found", gorm.ErrRecordNotFound, ErrNotFound},
		{"Postgres NOWAIT refusal", &pgconn.PgError{Code: "55P03"}, ErrLockBusy},
		{"Postgres deadlock", &pgconn.PgError{Code: "40P01"}, ErrDeadlock},
		{"Postgres serialization", &pgconn.PgError{Code: "40001"}, ErrSerialization},
		{"Postgres unique index", &pgconn.PgError{Code: "23505"}, ErrUniqueViolation},
		{"MySQL lock wait timeout", &mysql.MySQLError{Number: 1205}, ErrLockBusy},
		{"MySQL NOWAIT refusal", &mysql.MySQLError{Number: 3572}, ErrLockBusy},
		{"MySQL deadlock", &mysql.MySQLError{Number: 1213}, ErrDeadlock},
		{"MySQL duplicate entry", &mysql.MySQLError{Number: 1062}, ErrUniqueViolation},
		{"SQLite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), ErrLockBusy},
		{"SQLite unique", errors.New("UNIQUE constraint failed: usage_sessions.equipment_id"), ErrUniqueViolation},
		{"Wrapped driver error", fmt.Errorf("query: %w", &pgconn.PgError{Code: "40P01"}), ErrDeadlock},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			assert.ErrorIs(t, got, tc.expected)
			assert.ErrorIs(t, got, tc.err, "the driver error must stay in the chain")
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.NoError(t, Classify(nil))

	plain := errors.New("syntax error")
	assert.Same(t, plain, Classify(plain))

	unknownPg := &pgconn.PgError{Code: "42601"}
	assert.Equal(t, error(unknownPg), Classify(unknownPg))

	already := fmt.Errorf("%w: first pass", ErrLockBusy)
	assert.Same(t, already, Classify(already), "classification is idempotent")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Classify(&pgconn.PgError{Code: "40P01"})))
	assert.True(t, IsTransient(ErrLockBusy))
	assert.True(t, IsTransient(ErrUniqueViolation))
	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(errors.New("boom")))
}
