package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes an exponential backoff schedule. The n-th retry (0-based)
// waits Base * 2^n, capped at MaxDelay when set.
type Policy struct {
	Base        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// BackOff builds the cenkalti schedule for p. Jitter is disabled so the delays
// follow Base * 2^attempt exactly.
func (p Policy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	} else {
		b.MaxInterval = 24 * time.Hour
	}
	b.Reset()
	if p.Base <= 0 {
		return &backoff.ZeroBackOff{}
	}
	return b
}

// Do runs fn until it succeeds, returns a permanent error, the context is done
// or MaxAttempts calls have been made. The returned int is the number of calls
// made. onRetry, if non-nil, is called before each wait.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) (int, error) {
	attempts := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		return fn(ctx)
	}

	var b backoff.BackOff = p.BackOff()
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempts, err, wait)
		}
	}
	err := backoff.RetryNotify(op, b, notify)
	return attempts, err
}
