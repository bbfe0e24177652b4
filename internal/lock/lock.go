// Package lock acquires exclusive row locks through a Tx. Each attempt is
// non-waiting; contention is absorbed by a capped exponential backoff loop that
// gives up once the configured timeout has elapsed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"lab-usage-backend/internal/apperr"
	"lab-usage-backend/internal/logging"
	"lab-usage-backend/internal/metrics"
	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/store"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultBaseDelay = 50 * time.Millisecond
	DefaultMaxDelay  = time.Second
)

const (
	resourceEquipment = "equipment"
	resourceSession   = "session"
)

// Manager acquires row locks. Locks are released when the owning transaction
// commits or rolls back, never by the Manager.
type Manager struct {
	// Timeout bounds the total time spent waiting for one lock.
	Timeout   time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration

	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewManager creates a Manager. Zero durations take the package defaults.
func NewManager(timeout, base, maxDelay time.Duration, logger *slog.Logger, rec *metrics.Recorder) *Manager {
	m := &Manager{Timeout: timeout, BaseDelay: base, MaxDelay: maxDelay, logger: logging.OrDiscard(logger), metrics: rec}
	if m.Timeout <= 0 {
		m.Timeout = DefaultTimeout
	}
	if m.BaseDelay <= 0 {
		m.BaseDelay = DefaultBaseDelay
	}
	if m.MaxDelay <= 0 {
		m.MaxDelay = DefaultMaxDelay
	}
	return m
}

// Equipment locks the equipment row and returns its live state.
func (m *Manager) Equipment(ctx context.Context, tx store.Tx, id int64) (*model.Equipment, error) {
	return acquire(ctx, m, resourceEquipment, id, func(ctx context.Context) (*model.Equipment, error) {
		return tx.LockEquipment(ctx, id)
	})
}

// Session locks the session row and returns its live state.
func (m *Manager) Session(ctx context.Context, tx store.Tx, id int64) (*model.UsageSession, error) {
	return acquire(ctx, m, resourceSession, id, func(ctx context.Context) (*model.UsageSession, error) {
		return tx.LockSession(ctx, id)
	})
}

type budgetKey struct{}

// WithBudget returns a context whose lock waits, summed over every acquire made
// with it, end once Timeout has elapsed from now. Transaction retries share the
// budget so one operation never waits longer than Timeout in total.
func (m *Manager) WithBudget(ctx context.Context) context.Context {
	return context.WithValue(ctx, budgetKey{}, time.Now().Add(m.Timeout))
}

// waitLimit is the longest the next acquire may wait.
func (m *Manager) waitLimit(ctx context.Context) time.Duration {
	limit := m.Timeout
	if deadline, ok := ctx.Value(budgetKey{}).(time.Time); ok {
		if left := time.Until(deadline); left < limit {
			limit = left
		}
	}
	return limit
}

func acquire[T any](ctx context.Context, m *Manager, resource string, id int64, try func(context.Context) (T, error)) (T, error) {
	started := time.Now()
	limit := m.waitLimit(ctx)
	if limit <= 0 {
		// Budget spent: one non-waiting attempt, no backoff.
		v, err := try(ctx)
		if err == nil {
			m.metrics.LockAcquired(resource, time.Since(started))
			return v, nil
		}
		return v, m.failure(ctx, resource, id, 1, started, err)
	}

	// The wait is bounded separately so a query in flight is never cancelled by the lock timeout.
	waitCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	attempts := 0
	op := func() (T, error) {
		attempts++
		v, err := try(ctx)
		if err == nil || errors.Is(err, store.ErrLockBusy) {
			return v, err
		}
		return v, backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		m.logger.Debug("row lock busy, backing off",
			"resource", resource, "id", id, "attempt", attempts, "next", next)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         m.MaxDelay,
	}
	b.Reset()

	v, err := backoff.Retry(waitCtx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(limit),
		backoff.WithNotify(notify),
	)
	if err == nil {
		m.metrics.LockAcquired(resource, time.Since(started))
		return v, nil
	}
	var zero T
	return zero, m.failure(ctx, resource, id, attempts, started, err)
}

func (m *Manager) failure(ctx context.Context, resource string, id int64, attempts int, started time.Time, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("waiting for %s %d lock: %w", resource, id, ctx.Err())
	case errors.Is(err, store.ErrNotFound):
		return notFound(resource, id)
	case errors.Is(err, store.ErrLockBusy), errors.Is(err, context.DeadlineExceeded):
		m.metrics.LockTimedOut(resource)
		m.logger.Warn("row lock timed out",
			"resource", resource, "id", id, "attempts", attempts, "waited", time.Since(started))
		return apperr.Wrap(apperr.KindLockTimeout, apperr.ReasonLockTimeout, err,
			"%s %d is busy, please try again shortly", resource, id)
	default:
		return err
	}
}

func notFound(resource string, id int64) error {
	if resource == resourceSession {
		return apperr.NotFound(apperr.ReasonSessionNotFound, "session %d not found", id)
	}
	return apperr.NotFound(apperr.ReasonEquipmentNotFound, "equipment %d not found", id)
}
