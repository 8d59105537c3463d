// v1
// internal/bus/retry.go
package bus

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds how a single message is delivered to a handler. A
// handler that returns nil on a repeated attempt ends the chain early, which
// is how idempotent handlers absorb redelivery.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, at least 1
	Backoff     time.Duration // base delay, doubled after each failed attempt
	Timeout     time.Duration // per-attempt deadline; zero disables it
}

// DefaultRetryPolicy is used when a driver is built with a zero policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 200 * time.Millisecond, Timeout: 30 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Deliver runs h against msg until it succeeds, the attempts are exhausted or
// ctx ends. The last handler error is returned.
func Deliver(ctx context.Context, p RetryPolicy, msg Message, h Handler, lg *slog.Logger) error {
	p = p.normalized()
	delay := p.Backoff
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		msg.Attempt = attempt
		err = runAttempt(ctx, p.Timeout, msg, h)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lg.Warn("delivery_failed", "topic", msg.Topic, "key", msg.Key, "attempt", attempt, "maxAttempts", p.MaxAttempts, "error", err)
		if attempt == p.MaxAttempts {
			break
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			delay *= 2
		}
	}
	lg.Error("delivery_exhausted", "topic", msg.Topic, "key", msg.Key, "attempts", p.MaxAttempts, "error", err)
	return err
}

func runAttempt(ctx context.Context, timeout time.Duration, msg Message, h Handler) error {
	if timeout <= 0 {
		return h(ctx, msg)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h(attemptCtx, msg)
}
