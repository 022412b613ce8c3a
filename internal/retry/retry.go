// Package retry holds the single retry policy used at every upstream boundary:
// RPC calls, the metadata API and transaction re-enqueue.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes bounded exponential retry with jitter.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for any single delay
	Jitter      float64       // randomization factor in [0,1)

	// Retryable decides whether an error is worth another attempt.
	// Nil retries everything except context cancellation.
	Retryable func(error) bool

	// OnRetry is called before sleeping between attempts.
	OnRetry func(err error, wait time.Duration)
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// Permanent marks err as not retryable regardless of the policy predicate.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)

	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}

	return backoff.RetryNotify(operation, bo, notify)
}

// IsRetryable applies the policy predicate.
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Delay returns the wait before the given attempt (1-based: attempt 1 is the
// first retry). Used where the retry is scheduled rather than slept, such as
// re-enqueueing a signature.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delta := p.Jitter * d
		d = d - delta + rand.Float64()*2*delta
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt (1-based count of attempts already made)
// has used up the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.normalized().MaxAttempts
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}
