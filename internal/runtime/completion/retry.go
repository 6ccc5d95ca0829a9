package completion

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Second
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 8 * time.Second
	// DefaultRetryAfterMax is the longest server-requested delay honoured.
	DefaultRetryAfterMax = 30 * time.Second
)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryObserver is told about each failed attempt that will be retried.
type RetryObserver func(attempt int, delay time.Duration, err error)

// Policy bounds the attempts made for one prompt.
type Policy struct {
	MaxAttempts int
	// Timeout bounds each attempt, not the whole call.
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RetryAfterMax caps a server Retry-After. A longer request ends the
	// retries with the rate-limit error instead of holding the message.
	RetryAfterMax time.Duration
	Sleep         SleepFunc
	OnRetry       RetryObserver
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = DefaultBackoffMax
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	if p.RetryAfterMax <= 0 {
		p.RetryAfterMax = DefaultRetryAfterMax
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Run calls c until it succeeds, fails permanently or runs out of attempts.
// Delays double from BackoffBase up to BackoffMax without jitter; a larger
// Retry-After from the server wins up to RetryAfterMax; beyond it the call
// gives up. The last error is returned on failure.
func (p Policy) Run(ctx context.Context, c Completer, prompt string) (string, error) {
	p = p.withDefaults()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BackoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.BackoffMax,
	}
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		text, err := p.attempt(ctx, c, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == p.MaxAttempts || ctx.Err() != nil {
			break
		}

		delay := b.NextBackOff()
		if retryAfter := retryAfterOf(err); retryAfter > delay {
			if retryAfter > p.RetryAfterMax {
				break
			}
			delay = retryAfter
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := p.Sleep(ctx, delay); err != nil {
			return "", transportError(err)
		}
	}
	return "", lastErr
}

func (p Policy) attempt(ctx context.Context, c Completer, prompt string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return c.Complete(attemptCtx, prompt)
}

func retryAfterOf(err error) time.Duration {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.RetryAfter
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
