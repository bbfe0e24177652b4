// Package scheduler runs the periodic sweep closing sessions past their planned end.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"lab-usage-backend/internal/logging"
)

const DefaultInterval = time.Minute

// Closer ends expired sessions and reports how many it closed.
type Closer interface {
	CloseExpired(ctx context.Context) (int, error)
}

// Sweeper calls Closer on a fixed interval.
type Sweeper struct {
	closer   Closer
	interval time.Duration
	logger   *slog.Logger

	// AfterClose, when set, runs after any sweep that closed at least one session.
	AfterClose func(n int)
}

// NewSweeper creates a sweeper. A non-positive interval takes DefaultInterval.
func NewSweeper(c Closer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{closer: c, interval: interval, logger: logging.OrDiscard(logger)}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("starting expiry sweeper", "interval", s.interval)
	s.SweepOnce(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper shutting down")
			return nil
		case <-timer.C:
			s.SweepOnce(ctx)
			timer.Reset(s.interval)
		}
	}
}

// SweepOnce runs a single sweep. Failures are logged; the next tick tries again.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.closer.CloseExpired(ctx)
	if n > 0 && s.AfterClose != nil {
		s.AfterClose(n)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
		return n
	}
	if n > 0 {
		s.logger.Info("closed expired sessions", "count", n)
	}
	return n
}
