// Package retry re-runs whole transactions that failed for transient reasons.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"lab-usage-backend/internal/apperr"
	"lab-usage-backend/internal/store"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 200 * time.Millisecond
	DefaultMaxBackoff  = 2 * time.Second

	// A lock timeout already spent the whole lock wait; it earns one more attempt at most.
	maxLockTimeoutRetries = 1
)

// Policy bounds the retries of one operation. The attempt n (0-based) that
// fails transiently is followed by a sleep of BaseBackoff * 2^n, capped at MaxBackoff.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// OnRetry is called before each sleep with the failed attempt number (1-based).
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy returns the policy used by the lifecycle operations.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseBackoff: DefaultBaseBackoff, MaxBackoff: DefaultMaxBackoff}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff * time.Duration(1<<(p.MaxAttempts-1))
	}
	return p
}

// IsTransient reports whether a failed transaction is worth running again:
// lock timeouts, deadlocks, serialization failures and unique-index races.
func IsTransient(err error) bool {
	return apperr.IsTransient(err) || store.IsTransient(err)
}

// Do runs op until it succeeds, fails terminally or the attempts run out.
// op must run its whole transaction so every attempt starts from a rolled
// back state. A lock timeout is retried once at most. Exhaustion returns the
// last error, tagged as retry exhausted and keeping its kind.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxBackoff,
	}
	b.Reset()

	attempt, lockTimeouts := 0, 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		if apperr.KindOf(err) == apperr.KindLockTimeout {
			if lockTimeouts++; lockTimeouts > maxLockTimeoutRetries {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err, wait)
			}
		}),
	)
	// The final attempt's error comes back still wrapped when it was permanent.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if err == nil || !IsTransient(err) {
		return v, err
	}
	return v, exhausted(err)
}

func exhausted(err error) error {
	kind := apperr.KindTransient
	if ae, ok := apperr.From(err); ok && ae.Kind == apperr.KindLockTimeout {
		kind = apperr.KindLockTimeout
	}
	return apperr.Wrap(kind, apperr.ReasonRetryExhausted, err, "the system is busy, please try again")
}
