package store

import (
	"context"
	"errors"
	"time"

	"lab-usage-backend/internal/model"
)

// Errors surfaced by every Store implementation. Driver specific failures are
// translated into these by Classify.
var (
	ErrNotFound        = errors.New("record not found")
	ErrLockBusy        = errors.New("row is locked by another transaction")
	ErrDeadlock        = errors.New("deadlock detected")
	ErrSerialization   = errors.New("serialization failure")
	ErrUniqueViolation = errors.New("unique constraint violated")
)

// IsTransient reports whether err is a store failure that a fresh transaction may not hit.
// A unique violation counts: it is the losing side of a race on the one-active-session index.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockBusy) ||
		errors.Is(err, ErrDeadlock) ||
		errors.Is(err, ErrSerialization) ||
		errors.Is(err, ErrUniqueViolation)
}

// SessionFilter narrows ListSessions. Zero values mean "any".
type SessionFilter struct {
	EquipmentID int64
	UserID      int64
	Status      model.SessionStatus
	// From and To bound start_time to [From, To).
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Reader is the set of plain reads available both inside and outside a transaction.
type Reader interface {
	Equipment(ctx context.Context, id int64) (*model.Equipment, error)
	Session(ctx context.Context, id int64) (*model.UsageSession, error)
	// EquipmentSessions returns every session of one equipment ordered by start time.
	EquipmentSessions(ctx context.Context, equipmentID int64) ([]model.UsageSession, error)
	// UserName returns "" without error for unknown users.
	UserName(ctx context.Context, id int64) (string, error)
}

// Tx is a unit of work. Row locks taken through it are held until the
// transaction commits or rolls back.
type Tx interface {
	Reader

	// LockEquipment and LockSession try once to take an exclusive row lock and
	// never wait: a held lock yields ErrLockBusy, a missing row ErrNotFound.
	LockEquipment(ctx context.Context, id int64) (*model.Equipment, error)
	LockSession(ctx context.Context, id int64) (*model.UsageSession, error)

	CreateSession(ctx context.Context, s *model.UsageSession) error
	UpdateSession(ctx context.Context, s *model.UsageSession) error
	UpdateEquipment(ctx context.Context, e *model.Equipment) error
}

// Store defines the interface for all database operations.
type Store interface {
	Reader

	// WithTx runs fn in a transaction. It commits when fn returns nil and rolls
	// back on any error or panic, releasing every row lock either way.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error

	ListEquipment(ctx context.Context) ([]model.Equipment, error)
	CreateEquipment(ctx context.Context, e *model.Equipment) error
	ListUsers(ctx context.Context) ([]model.User, error)
	CreateUser(ctx context.Context, u *model.User) error

	ListSessions(ctx context.Context, f SessionFilter) ([]model.UsageSession, error)
	// CountSessions counts sessions matching f, ignoring Limit and Offset.
	CountSessions(ctx context.Context, f SessionFilter) (int64, error)
	ActiveSessionForUser(ctx context.Context, userID int64) (*model.UsageSession, error)
	// ExpiredSessions returns ACTIVE sessions whose planned end is at or before now.
	ExpiredSessions(ctx context.Context, now time.Time) ([]model.UsageSession, error)

	// TouchDescription inserts desc or bumps its usage counter. No row locks are taken.
	TouchDescription(ctx context.Context, desc string, at time.Time) error
	DescriptionSuggestions(ctx context.Context, query string, limit int) ([]model.DescriptionHistory, error)

	SavePushSubscription(ctx context.Context, sub *model.PushSubscription, equipmentIDs []int64) error
	GetPushSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
	PushSubscriptionsForEquipment(ctx context.Context, equipmentID int64) ([]model.PushSubscription, error)
}
