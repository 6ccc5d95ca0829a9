package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
)

const (
	defaultReconnectDelay    = 5 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
)

var sleepContext = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// reconnector retries broker setup until it succeeds or the context ends.
// Delays grow exponentially from initial up to max.
type reconnector struct {
	initial time.Duration
	max     time.Duration
	logger  loggingpkg.ServiceLogger
	sleep   func(ctx context.Context, d time.Duration) error
}

func newReconnector(initial, max time.Duration, logger loggingpkg.ServiceLogger) *reconnector {
	if initial <= 0 {
		initial = defaultReconnectDelay
	}
	if max < initial {
		max = defaultReconnectMaxDelay
		if max < initial {
			max = initial
		}
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &reconnector{initial: initial, max: max, logger: logger, sleep: sleepContext}
}

// retryUntil calls fn until it returns nil. It returns ctx.Err() once the
// context ends, and stops early on an error wrapped with backoff.Permanent.
func (r *reconnector) retryUntil(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.max,
	}
	b.Reset()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Broker connection established", loggingpkg.LogFields{"target": name, "attempt": attempt})
			}
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Unwrap()
		}

		delay := b.NextBackOff()
		r.logger.Error("Broker connection failed, retrying", err, loggingpkg.LogFields{
			"target":  name,
			"attempt": attempt,
			"delay":   delay.String(),
		})
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// pause waits the initial delay, used before resubscribing after a
// subscription ended on its own.
func (r *reconnector) pause(ctx context.Context) error {
	return r.sleep(ctx, r.initial)
}
