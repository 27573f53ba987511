// Package retry wraps an operation in a bounded retry policy.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how quickly an operation is retried.
type Policy struct {
	// MaxAttempts counts the first try. Values below 1 mean one attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps exponential growth. Zero means no cap.
	MaxDelay    time.Duration
	Exponential bool
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// Default is used for data source requests.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   2 * time.Second,
	MaxDelay:    30 * time.Second,
	Exponential: true,
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.BaseDelay
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.MaxInterval = 24 * time.Hour
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.BaseDelay)
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, or runs out
// of attempts. The last error from op is returned, or ctx.Err() if the
// context ends first.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, name string, op func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("retrying", "op", name, "attempt", attempt, "wait", wait, "error", err)
	}

	return backoff.RetryNotify(wrapped, p.backOff(ctx), notify)
}
