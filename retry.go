package xdispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig controls the retry stage.
type RetryConfig struct {
	// MaxAttempts is the number of retries after the original call. The
	// original call is attempt 0 and does not count against the budget.
	MaxAttempts int
	// BaseDelay is the backoff base: the wait before retry n is
	// BaseDelay * 2^n plus jitter.
	BaseDelay time.Duration
	// JitterMax adds up to [0, JitterMax) random delay per attempt to avoid
	// thundering herds.
	JitterMax time.Duration
	// RetryableErrors extends the retryable classification: errors matching
	// any entry via errors.Is are retried.
	RetryableErrors []error
	// RetryIf, when provided, replaces the default classification
	// (TransientError or a RetryableErrors match).
	RetryIf func(err error) bool
	// OnRetry, when provided, observes each scheduled retry.
	OnRetry func(typeID string, attempt int, err error)
}

// RetryPolicy is the stateless backoff/jitter calculator plus the
// classification of which failures are retryable.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy normalizes cfg into a usable policy.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	return &RetryPolicy{cfg: cfg}
}

// ShouldRetry reports whether a failed call may be re-attempted. attempt is
// the retry index, starting at 0 for the first retry.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.cfg.MaxAttempts {
		return false
	}
	// A breaker fast-fail is a terminal outcome for this dispatch.
	if IsCircuitOpen(err) {
		return false
	}
	if p.cfg.RetryIf != nil {
		return p.cfg.RetryIf(err)
	}
	if IsTransient(err) {
		return true
	}
	for _, target := range p.cfg.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// DelayFor returns the full wait before retry attempt n: the deterministic
// Backoff(n) plus a uniform draw from [0, JitterMax).
func (p *RetryPolicy) DelayFor(attempt int) time.Duration {
	d := p.Backoff(attempt)
	if p.cfg.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(p.cfg.JitterMax)))
	}
	return d
}

// Backoff returns the deterministic component BaseDelay * 2^attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Shift saturates well past any sane budget; cap to avoid overflow.
	if attempt > 62 {
		attempt = 62
	}
	d := p.cfg.BaseDelay << uint(attempt)
	if d < p.cfg.BaseDelay {
		return 1<<63 - 1
	}
	return d
}

// MaxAttempts exposes the configured retry budget.
func (p *RetryPolicy) MaxAttempts() int { return p.cfg.MaxAttempts }

// RetryMiddleware re-attempts retryable failures with exponential backoff.
// The inter-attempt sleep suspends only the calling goroutine and honors ctx
// cancellation. Exhausting the budget yields the last error unchanged.
func RetryMiddleware(p *RetryPolicy) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) Result[any] {
			var res Result[any]
			for attempt := 0; ; attempt++ {
				res = next(ctx, msg)
				if res.IsOk() {
					return res
				}
				// Stop if the caller is gone.
				if ctx.Err() != nil {
					return res
				}
				if !p.ShouldRetry(res.Err(), attempt) {
					return res
				}
				if p.cfg.OnRetry != nil {
					p.cfg.OnRetry(msg.TypeID, attempt, res.Err())
				}
				select {
				case <-ctx.Done():
					return res
				case <-time.After(p.DelayFor(attempt)):
				}
			}
		}
	}
}
