// Package usage implements the session lifecycle: starting, ending and
// back-logging equipment usage. Every mutation runs in one transaction that
// first locks the equipment row (then the session row, never the reverse),
// decides conflicts on the locked state, writes both rows and commits. Side
// effects such as description history, events and push notifications run only
// after the commit.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lab-usage-backend/internal/apperr"
	"lab-usage-backend/internal/clock"
	"lab-usage-backend/internal/events"
	"lab-usage-backend/internal/lock"
	"lab-usage-backend/internal/logging"
	"lab-usage-backend/internal/metrics"
	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/retry"
	"lab-usage-backend/internal/store"
)

const (
	opStart       = "start"
	opEnd         = "end"
	opPastUsage   = "past_usage"
	opSweep       = "sweep"
	opMaintenance = "maintenance"
)

// EventPublisher receives lifecycle events after commit. Implementations must not block.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.SessionEvent)
}

// Notifier is told when an equipment became available again.
type Notifier interface {
	Dispatch(equipmentID int64)
}

// Options configures a Service. Zero values take defaults.
type Options struct {
	Clock    clock.Clock
	Locks    *lock.Manager
	Retry    retry.Policy
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Events   EventPublisher
	Notifier Notifier
}

// Service runs the lifecycle operations against a Store.
type Service struct {
	store    store.Store
	clock    clock.Clock
	locks    *lock.Manager
	policy   retry.Policy
	logger   *slog.Logger
	metrics  *metrics.Recorder
	events   EventPublisher
	notifier Notifier
}

// New creates a Service backed by st.
func New(st store.Store, opts Options) *Service {
	s := &Service{
		store:    st,
		clock:    opts.Clock,
		locks:    opts.Locks,
		policy:   opts.Retry,
		logger:   logging.OrDiscard(opts.Logger),
		metrics:  opts.Metrics,
		events:   opts.Events,
		notifier: opts.Notifier,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.locks == nil {
		s.locks = lock.NewManager(0, 0, 0, s.logger, s.metrics)
	}
	return s
}

// run executes fn in a fresh transaction per attempt, retrying transient
// failures. All attempts draw row lock waits from one budget of Locks.Timeout.
// The returned error is always an *apperr.Error.
func run[T any](ctx context.Context, s *Service, op string, fn func(ctx context.Context, tx store.Tx) (T, error)) (T, error) {
	policy := s.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.metrics.Retried(op)
		s.logger.Info("retrying transaction", "operation", op, "attempt", attempt, "wait", wait, "error", err)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	v, err := retry.Do(s.locks.WithBudget(ctx), policy, func(ctx context.Context) (T, error) {
		var out T
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			out, err = fn(ctx, tx)
			return err
		})
		if err != nil {
			var zero T
			return zero, err
		}
		return out, nil
	})
	err = s.normalize(op, err)
	s.metrics.Outcome(op, outcome(err))
	return v, err
}

func (s *Service) normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.From(err); ok {
		return err
	}
	switch {
	case store.IsTransient(err):
		return apperr.Transient(err, "the system is busy, please try again")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.Transient(err, "the request was cancelled before it completed")
	}
	s.logger.Error("operation failed", "operation", op, "error", err)
	return apperr.Internal(err, "%s failed", op)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}

func (s *Service) publish(ctx context.Context, t events.Type, sess *model.UsageSession, forced bool) {
	if s.events == nil {
		return
	}
	ev := events.NewSessionEvent(t, sess, s.clock.Now())
	ev.Forced = forced
	s.events.Publish(ctx, ev)
}

func (s *Service) touchDescription(ctx context.Context, desc string) {
	if desc == "" {
		return
	}
	if err := s.store.TouchDescription(ctx, desc, s.clock.Now()); err != nil {
		s.logger.Warn("failed to update description history", "error", err)
	}
}
