package bridge

import (
	"context"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often a step failing with a transient error is
// tried again before the operation is parked.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// fraction of each delay, in [0, 1], randomly added or removed
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.Jitter > 0 {
		percent := uint64(p.Jitter * 100)
		if percent > 100 {
			percent = 100
		}
		b = retry.WithJitterPercent(percent, b)
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Do runs fn until it succeeds, fails with a non-transient error or the
// attempts are used up. The last error of fn is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var last error
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		last = fn(ctx)
		if agreement.IsTransient(last) {
			return retry.RetryableError(last)
		}
		return last
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return last
}
