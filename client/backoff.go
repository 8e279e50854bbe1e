package client

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff configures retries of transient failures: delays are Base, 2·Base, 4·Base... and at
// most MaxAttempts retries follow the first try.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultBackoff is 100ms, 200ms, 400ms.
var DefaultBackoff = Backoff{Base: 100 * time.Millisecond, MaxAttempts: 3}

func (b Backoff) policy() retry.Backoff {
	if b.Base <= 0 || b.MaxAttempts <= 0 {
		return retry.BackoffFunc(func() (time.Duration, bool) { return 0, true })
	}
	return retry.WithMaxRetries(uint64(b.MaxAttempts), retry.NewExponential(b.Base))
}

// sleepFunc waits d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
