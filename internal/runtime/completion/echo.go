package completion

import (
	"context"
	"fmt"
	"time"
)

// Echo simulates a backend locally: it waits for the configured latency and
// answers with a reply that quotes the prompt.
type Echo struct {
	latency time.Duration
	now     func() time.Time
}

func NewEcho(latency time.Duration) *Echo {
	return &Echo{latency: latency, now: time.Now}
}

func (e *Echo) Name() string { return ProviderEcho }

func (e *Echo) Complete(ctx context.Context, prompt string) (string, error) {
	if e.latency > 0 {
		timer := time.NewTimer(e.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", &Error{Kind: KindTimeout, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return fmt.Sprintf("Bot reply to '%s'. Processed by the worker at %s", prompt, e.now().Format("15:04:05")), nil
}
