package xdispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// Admission is the outcome of IdempotencyGuard.Begin.
type Admission uint8

const (
	// Admitted means the caller owns the first execution for the key.
	Admitted Admission = iota
	// Duplicate means a completed result is already recorded for the key.
	Duplicate
	// DuplicateInFlight means the first execution has not finished yet.
	DuplicateInFlight
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case DuplicateInFlight:
		return "duplicate-in-flight"
	default:
		return "unknown"
	}
}

// idemRecord tracks one key. done is closed on completion so waiters can
// block without polling.
type idemRecord struct {
	result    Result[any]
	done      chan struct{}
	completed bool
	createdAt time.Time
	expiresAt time.Time
}

// BeginResult reports the admission decision for a key. On Duplicate the
// recorded result is populated; on DuplicateInFlight use Wait.
type BeginResult struct {
	Admission Admission
	Result    Result[any]
	rec       *idemRecord
	guard     *IdempotencyGuard
}

// Wait blocks until the in-flight execution for the key completes and
// returns its recorded result, or ctx's error if the waiter gives up first.
// The first execution keeps running either way.
func (br BeginResult) Wait(ctx context.Context) (Result[any], error) {
	if br.rec == nil {
		return br.Result, nil
	}
	select {
	case <-br.rec.done:
		return br.guard.load(br.rec), nil
	case <-ctx.Done():
		return Result[any]{}, ctx.Err()
	}
}

// IdempotencyGuard is a keyed, TTL-bounded store guaranteeing at-most-one
// execution per idempotency key. The check-and-mark-in-flight step is atomic
// under the guard mutex, so two concurrent Begin calls with the same key
// cannot both be admitted.
type IdempotencyGuard struct {
	mu      sync.Mutex
	records map[string]*idemRecord
	ttl     time.Duration
	clock   xclock.Clock
}

// NewIdempotencyGuard builds a guard whose completed records expire after
// ttl. A non-positive ttl keeps records until Reset.
func NewIdempotencyGuard(ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{
		records: make(map[string]*idemRecord),
		ttl:     ttl,
		clock:   xclock.Default(),
	}
}

// SetClock injects the time source. Call before the first Begin.
func (g *IdempotencyGuard) SetClock(c xclock.Clock) {
	if c == nil {
		return
	}
	g.mu.Lock()
	g.clock = c
	g.mu.Unlock()
}

// Begin atomically resolves the caller's role for key: first executor,
// reader of a completed result, or waiter on an in-flight execution.
// Expired records behave as if absent.
func (g *IdempotencyGuard) Begin(key string) BeginResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if rec, ok := g.records[key]; ok {
		if rec.completed && !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
			delete(g.records, key)
		} else if rec.completed {
			return BeginResult{Admission: Duplicate, Result: rec.result}
		} else {
			return BeginResult{Admission: DuplicateInFlight, rec: rec, guard: g}
		}
	}

	g.records[key] = &idemRecord{
		done:      make(chan struct{}),
		createdAt: now,
	}
	return BeginResult{Admission: Admitted}
}

// Complete records the first execution's result and wakes all waiters.
// Every Begin for the key until expiry observes this exact result.
func (g *IdempotencyGuard) Complete(key string, res Result[any]) {
	g.mu.Lock()
	rec, ok := g.records[key]
	if !ok || rec.completed {
		g.mu.Unlock()
		return
	}
	rec.result = res
	rec.completed = true
	if g.ttl > 0 {
		rec.expiresAt = g.clock.Now().Add(g.ttl)
	}
	close(rec.done)
	g.mu.Unlock()
}

// Release discards an in-flight marker without recording a result, freeing
// the key for a fresh Begin. Blocked waiters receive a ConflictError result.
// Prefer Complete on every admitted path; Release exists for callers that
// abandon an admitted execution.
func (g *IdempotencyGuard) Release(key string) {
	g.mu.Lock()
	rec, ok := g.records[key]
	if ok && !rec.completed {
		delete(g.records, key)
		rec.result = Err[any](&ConflictError{Key: key})
		rec.completed = true
		close(rec.done)
	}
	g.mu.Unlock()
}

// Reset drops every record. Intended for test isolation.
func (g *IdempotencyGuard) Reset() {
	g.mu.Lock()
	for key, rec := range g.records {
		if !rec.completed {
			rec.result = Err[any](&ConflictError{Key: key})
			rec.completed = true
			close(rec.done)
		}
	}
	g.records = make(map[string]*idemRecord)
	g.mu.Unlock()
}

// Len reports the number of live records.
func (g *IdempotencyGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

func (g *IdempotencyGuard) load(rec *idemRecord) Result[any] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return rec.result
}

// IdempotencyConfig tunes the idempotency stage.
type IdempotencyConfig struct {
	// TTL bounds how long a completed result is replayed to duplicates.
	TTL time.Duration
	// RejectInFlight switches the duplicate-while-in-flight policy from
	// blocking (the default: converge on the first result) to an immediate
	// ConflictError.
	RejectInFlight bool
	// OnDuplicate, when provided, observes every suppressed duplicate.
	OnDuplicate func(key string, inFlight bool)
}

// IdempotencyMiddleware suppresses duplicate executions of commands that
// carry an idempotency key. Queries and keyless commands pass through.
//
// The admitted execution runs on a context detached from the caller's
// cancellation: the first call runs to completion and records a result even
// if its caller detaches, so blocked duplicates always converge.
func IdempotencyMiddleware(g *IdempotencyGuard, cfg IdempotencyConfig) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) Result[any] {
			if msg.Kind != KindCommand || msg.IdempotencyKey == "" {
				return next(ctx, msg)
			}
			key := msg.IdempotencyKey

			br := g.Begin(key)
			switch br.Admission {
			case Duplicate:
				if cfg.OnDuplicate != nil {
					cfg.OnDuplicate(key, false)
				}
				return br.Result

			case DuplicateInFlight:
				if cfg.OnDuplicate != nil {
					cfg.OnDuplicate(key, true)
				}
				if cfg.RejectInFlight {
					return Err[any](&ConflictError{Key: key})
				}
				res, err := br.Wait(ctx)
				if err != nil {
					return Err[any](err)
				}
				return res
			}

			// Admitted. Guarantee the marker is resolved even if a stage
			// below leaks a panic past its own recovery.
			var res Result[any]
			func() {
				defer func() {
					if r := recover(); r != nil {
						res = Err[any](&FatalError{Recovered: r, Stack: debug.Stack()})
					}
				}()
				res = next(context.WithoutCancel(ctx), msg)
			}()
			g.Complete(key, res)
			return res
		}
	}
}
