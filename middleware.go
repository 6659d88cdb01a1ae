package xinbox

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"
)

// RetryConfig controls RetryMiddleware.
type RetryConfig struct {
	// MaxAttempts counts the first call; values below 1 mean a single call.
	MaxAttempts int
	// Backoff returns the wait after failed attempt n (1-based). Nil retries at once.
	Backoff func(attempt int) time.Duration
	// RetryIf reports whether err is worth another attempt. Nil retries everything.
	RetryIf func(err error) bool
	// Jitter adds a random wait in [0, Jitter) on top of Backoff.
	Jitter time.Duration
}

func (c RetryConfig) wait(attempt int) time.Duration {
	var d time.Duration
	if c.Backoff != nil {
		d = c.Backoff(attempt)
	}
	if c.Jitter > 0 {
		d += rand.N(c.Jitter)
	}
	return d
}

// RetryMiddleware retries a failing handler in place. The delivery loop keeps
// its cursor on the message until the wrapped handler returns.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = func(error) bool { return true }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			err := next(ctx, msg)
			for attempt := 1; err != nil && attempt < attempts; attempt++ {
				if ctx.Err() != nil || !retryIf(err) {
					return err
				}
				if d := cfg.wait(attempt); d > 0 {
					timer := time.NewTimer(d)
					select {
					case <-ctx.Done():
						timer.Stop()
						return err
					case <-timer.C:
					}
				}
				err = next(ctx, msg)
			}
			return err
		}
	}
}

// TimeoutMiddleware bounds a handler's run time. On expiry it returns
// context.DeadlineExceeded while the handler keeps running on a cancelled
// context.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		guarded := RecoveryMiddleware()(next)
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- guarded(tctx, msg) }()

			select {
			case err := <-done:
				return err
			case <-tctx.Done():
				return tctx.Err()
			}
		}
	}
}

// TopicFilterMiddleware hands the handler only messages tagged with one of
// topics. Everything else is acknowledged unseen.
func TopicFilterMiddleware(topics ...string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			if t, ok := msg.Topic(); ok && slices.Contains(topics, t) {
				return next(ctx, msg)
			}
			return nil
		}
	}
}

// PriorityFilterMiddleware acknowledges unseen every message less urgent
// than lowest.
func PriorityFilterMiddleware(lowest Priority) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			if msg.Priority() > lowest {
				return nil
			}
			return next(ctx, msg)
		}
	}
}

// RecoveryMiddleware turns a handler panic into an error wrapping ErrHandlerPanic.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Chain wraps h so that mws[0] runs first. Nil entries are skipped.
func Chain(h Handler, mws ...Middleware) Handler {
	for _, mw := range slices.Backward(mws) {
		if mw != nil {
			h = mw(h)
		}
	}
	return h
}
