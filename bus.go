package xdispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus is the public entry point: it resolves the handler for a message and
// invokes the configured middleware chain around it. Build one via
// BusBuilder; it is safe for concurrent use by many callers.
type Bus struct {
	kind        Kind
	registry    *handlerRegistry
	middlewares []Middleware
	clock       xclock.Clock
	logger      *xlog.Logger
	breakers    *BreakerRegistry
	guard       *IdempotencyGuard

	observersMu sync.RWMutex
	observers   []Observer

	metrics busMetrics
	closed  atomic.Bool
}

// busMetrics uses lock-free atomics for telemetry on the hot path.
type busMetrics struct {
	dispatched     atomic.Uint64
	succeeded      atomic.Uint64
	failed         atomic.Uint64
	retries        atomic.Uint64
	suppressed     atomic.Uint64
	breakerRejects atomic.Uint64
	processingNs   atomic.Int64
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Dispatched           uint64
	Succeeded            uint64
	Failed               uint64
	Retries              uint64
	DuplicatesSuppressed uint64
	BreakerRejections    uint64
	AvgProcessingTimeMs  float64
}

// HealthStatus indicates bus health for liveness/readiness probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// Kind returns the bus category (command or query).
func (b *Bus) Kind() Kind { return b.kind }

// Breakers returns the breaker registry, or nil when the stage is not
// configured. Exposed for inspection and test isolation via ResetAll.
func (b *Bus) Breakers() *BreakerRegistry { return b.breakers }

// IdempotencyGuard returns the guard, or nil when the stage is not
// configured. Exposed for inspection and test isolation via Reset.
func (b *Bus) IdempotencyGuard() *IdempotencyGuard { return b.guard }

// Register binds a handler to a message type. It must be called during
// setup: duplicate type ids and registration after the first dispatch are
// configuration errors surfaced here, never deferred to dispatch time.
func (b *Bus) Register(typeID string, h Handler) error {
	return b.registry.register(typeID, h)
}

// Dispatch resolves the handler for msg and runs it through the middleware
// chain. It never panics: unexpected faults come back as Err(FatalError).
func (b *Bus) Dispatch(ctx context.Context, msg *Message) (res Result[any]) {
	if b.closed.Load() {
		return Err[any](ErrBusClosed)
	}
	if msg == nil {
		return Err[any](ErrNilMessage)
	}
	if msg.TypeID == "" {
		return Err[any](ErrEmptyTypeID)
	}
	if msg.Kind != KindUnspecified && msg.Kind != b.kind {
		return Err[any](ErrKindMismatch)
	}

	// First dispatch freezes the registry.
	b.registry.seal()

	h, ok := b.registry.lookup(msg.TypeID)
	if !ok {
		err := &UnregisteredHandlerError{TypeID: msg.TypeID}
		b.metrics.dispatched.Add(1)
		b.metrics.failed.Add(1)
		b.notify(Event{Type: DispatchError, Kind: b.kind, TypeID: msg.TypeID, Err: err})
		return Err[any](err)
	}

	// Work on a stamped copy; the caller's message stays untouched.
	m := *msg
	if m.Kind == KindUnspecified {
		m.Kind = b.kind
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ProducedAt.IsZero() {
		m.ProducedAt = b.clock.Now()
	}

	b.metrics.dispatched.Add(1)
	b.notify(Event{Type: DispatchStart, Kind: m.Kind, TypeID: m.TypeID, MessageID: m.ID})

	hctx := injectClock(injectLogger(ctx, b.logger), b.clock)
	start := b.clock.Now()

	// Boundary recovery: a panic in a middleware itself must not unwind
	// past Dispatch.
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Warn().Msg("xdispatch: dispatch panic (recovered)")
				res = Err[any](&FatalError{Recovered: r, Stack: debug.Stack()})
			}
		}()
		wrapped := Chain(RecoveryMiddleware()(h), b.middlewares...)
		res = wrapped(hctx, &m)
	}()

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	if res.IsOk() {
		b.metrics.succeeded.Add(1)
	} else {
		b.metrics.failed.Add(1)
		if IsCircuitOpen(res.Err()) {
			b.metrics.breakerRejects.Add(1)
		}
	}

	b.notify(Event{
		Type:      DispatchDone,
		Kind:      m.Kind,
		TypeID:    m.TypeID,
		MessageID: m.ID,
		Duration:  duration,
		Err:       res.Err(),
	})
	return res
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	return Metrics{
		Dispatched:           b.metrics.dispatched.Load(),
		Succeeded:            b.metrics.succeeded.Load(),
		Failed:               b.metrics.failed.Load(),
		Retries:              b.metrics.retries.Load(),
		DuplicatesSuppressed: b.metrics.suppressed.Load(),
		BreakerRejections:    b.metrics.breakerRejects.Load(),
		AvgProcessingTimeMs:  float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports bus health for monitoring probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.Metrics()
	status := "healthy"

	// Degraded if error rate > 5%
	if metrics.Failed > 0 && metrics.Dispatched > 0 {
		errorRate := float64(metrics.Failed) / float64(metrics.Dispatched)
		if errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close stops the bus; subsequent dispatches return Err(ErrBusClosed).
// Idempotent.
func (b *Bus) Close() error {
	b.closed.Store(true)
	return nil
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

func (b *Bus) notify(e Event) {
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	obs := make([]Observer, len(b.observers))
	copy(obs, b.observers)
	b.observersMu.RUnlock()
	for _, o := range obs {
		o.OnEvent(e)
	}
}

// recordProcessingTime keeps an exponential moving average of dispatch time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}
