package xdispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"time"
)

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// RecoveryMiddleware converts panics below it into Err(FatalError) so faults
// never unwind across middleware boundaries.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (res Result[any]) {
			defer func() {
				if r := recover(); r != nil {
					res = Err[any](&FatalError{Recovered: r, Stack: debug.Stack()})
				}
			}()
			return next(ctx, msg)
		}
	}
}

// ValidationMiddleware rejects invalid messages before any side effect is
// attempted. A rejection never consumes a retry budget or trips a breaker:
// the stage sits outside both in the chain.
func ValidationMiddleware(v Validator) Middleware {
	if v == nil {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) Result[any] {
			if err := v(ctx, msg); err != nil {
				var ve *ValidationError
				if errors.As(err, &ve) {
					return Err[any](ve)
				}
				return Err[any](&ValidationError{Reason: "rejected by validator", Err: err})
			}
			return next(ctx, msg)
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for the stages below
// it. When exceeded, the dispatch resolves to a transient error and the
// abandoned call finishes on its own goroutine.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) Result[any] {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			resCh := make(chan Result[any], 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						resCh <- Err[any](&FatalError{Recovered: r, Stack: debug.Stack()})
					}
				}()
				resCh <- next(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return Err[any](Transient(tctx.Err()))
			case res := <-resCh:
				return res
			}
		}
	}
}
