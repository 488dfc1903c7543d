package xdispatch

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern). Stage order is
// fixed at build time: Idempotency -> Validation -> Timeout -> user
// middleware -> Retry -> Circuit Breaker -> Handler. Retry deliberately
// wraps the breaker so every attempt re-checks breaker state and fast-fails
// once it opens.
type BusBuilder struct {
	kind      Kind
	logger    *xlog.Logger
	clock     xclock.Clock
	validator Validator
	timeout   time.Duration

	retryCfg *RetryConfig

	breakerCfg     *BreakerConfig
	breakerReg     *BreakerRegistry
	breakerNameFor func(msg *Message) string

	idemCfg *IdempotencyConfig
	guard   *IdempotencyGuard

	extra     []Middleware
	observers []Observer
}

// NewBusBuilder returns a builder for a command bus; use WithKind for a
// query bus.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{kind: KindCommand}
}

// WithKind sets the bus category.
func (bb *BusBuilder) WithKind(k Kind) *BusBuilder {
	if k == KindCommand || k == KindQuery {
		bb.kind = k
	}
	return bb
}

// WithLogger injects the structured logger.
func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

// WithClock injects the time source used for timestamps, breaker recovery
// and idempotency expiry.
func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithValidator enables the validation stage.
func (bb *BusBuilder) WithValidator(v Validator) *BusBuilder {
	bb.validator = v
	return bb
}

// WithTimeout bounds the stages below validation, including the whole retry
// loop.
func (bb *BusBuilder) WithTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.timeout = d
	}
	return bb
}

// WithRetry enables the retry stage.
func (bb *BusBuilder) WithRetry(cfg RetryConfig) *BusBuilder {
	bb.retryCfg = &cfg
	return bb
}

// WithBreaker enables the circuit breaker stage with one breaker per
// message type, created lazily from cfg.
func (bb *BusBuilder) WithBreaker(cfg BreakerConfig) *BusBuilder {
	bb.breakerCfg = &cfg
	return bb
}

// WithBreakerRegistry supplies a shared registry instead of a private one,
// e.g. when command and query buses guard the same downstream.
func (bb *BusBuilder) WithBreakerRegistry(reg *BreakerRegistry) *BusBuilder {
	bb.breakerReg = reg
	return bb
}

// WithBreakerNameFor overrides breaker naming (default: message type id).
func (bb *BusBuilder) WithBreakerNameFor(fn func(msg *Message) string) *BusBuilder {
	bb.breakerNameFor = fn
	return bb
}

// WithIdempotency enables duplicate suppression for keyed commands. Ignored
// on query buses: reads are naturally repeatable.
func (bb *BusBuilder) WithIdempotency(cfg IdempotencyConfig) *BusBuilder {
	bb.idemCfg = &cfg
	return bb
}

// WithIdempotencyGuard supplies a shared guard instead of a private one.
func (bb *BusBuilder) WithIdempotencyGuard(g *IdempotencyGuard) *BusBuilder {
	bb.guard = g
	return bb
}

// WithMiddleware appends user middleware between validation and retry.
func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.extra = append(bb.extra, mw...)
	return bb
}

// WithObserver registers observers on the built bus.
func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithConfig applies a loaded Config (see LoadConfig) to the retry, breaker
// and idempotency stages.
func (bb *BusBuilder) WithConfig(cfg Config) *BusBuilder {
	if cfg.Retry.Enabled {
		bb.WithRetry(cfg.Retry.toRetryConfig())
	}
	if cfg.Breaker.Enabled {
		bb.WithBreaker(cfg.Breaker.toBreakerConfig())
	}
	if cfg.Idempotency.Enabled {
		bb.WithIdempotency(cfg.Idempotency.toIdempotencyConfig())
	}
	return bb
}

// Build assembles the bus with the fixed stage order.
func (bb *BusBuilder) Build() (*Bus, error) {
	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	bus := &Bus{
		kind:     bb.kind,
		registry: newHandlerRegistry(),
		clock:    clk,
		logger:   lg,
	}

	var stages []Middleware

	// Idempotency is outermost: duplicates are suppressed before any side
	// effect is attempted.
	if bb.kind == KindCommand && (bb.idemCfg != nil || bb.guard != nil) {
		cfg := IdempotencyConfig{}
		if bb.idemCfg != nil {
			cfg = *bb.idemCfg
		}
		guard := bb.guard
		if guard == nil {
			guard = NewIdempotencyGuard(cfg.TTL)
			guard.SetClock(clk)
		}
		bus.guard = guard

		userHook := cfg.OnDuplicate
		cfg.OnDuplicate = func(key string, inFlight bool) {
			bus.metrics.suppressed.Add(1)
			bus.notify(Event{
				Type:           DuplicateSuppressed,
				Kind:           bus.kind,
				IdempotencyKey: key,
			})
			if userHook != nil {
				userHook(key, inFlight)
			}
		}
		stages = append(stages, IdempotencyMiddleware(guard, cfg))
	} else if bb.idemCfg != nil {
		lg.Warn().Msg("xdispatch: idempotency configured on a query bus, skipping stage")
	}

	// A hard validation failure never consumes a retry budget or trips a
	// breaker: validation sits outside both.
	if bb.validator != nil {
		stages = append(stages, ValidationMiddleware(bb.validator))
	}

	if bb.timeout > 0 {
		stages = append(stages, TimeoutMiddleware(bb.timeout))
	}

	stages = append(stages, bb.extra...)

	if bb.retryCfg != nil {
		cfg := *bb.retryCfg
		userHook := cfg.OnRetry
		cfg.OnRetry = func(typeID string, attempt int, err error) {
			bus.metrics.retries.Add(1)
			bus.notify(Event{
				Type:    RetryScheduled,
				Kind:    bus.kind,
				TypeID:  typeID,
				Attempt: attempt,
				Err:     err,
			})
			if userHook != nil {
				userHook(typeID, attempt, err)
			}
		}
		stages = append(stages, RetryMiddleware(NewRetryPolicy(cfg)))
	}

	if bb.breakerCfg != nil || bb.breakerReg != nil {
		reg := bb.breakerReg
		if reg == nil {
			cfg := *bb.breakerCfg
			userHook := cfg.OnStateChange
			cfg.OnStateChange = func(name string, from, to BreakerState) {
				bus.notify(Event{
					Type:        BreakerStateChanged,
					Kind:        bus.kind,
					Breaker:     name,
					BreakerFrom: from,
					BreakerTo:   to,
				})
				if userHook != nil {
					userHook(name, from, to)
				}
			}
			reg = NewBreakerRegistry(cfg)
			reg.SetClock(clk)
		}
		bus.breakers = reg
		stages = append(stages, BreakerMiddleware(reg, bb.breakerNameFor))
	}

	bus.middlewares = stages

	// Attach logging observer first for dependable telemetry unless already
	// supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		bus.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		bus.AddObserver(o)
	}

	return bus, nil
}

// NewCommandBus constructs a command bus via the builder.
func NewCommandBus(init func(bb *BusBuilder)) (*Bus, error) {
	bb := NewBusBuilder().WithKind(KindCommand)
	if init != nil {
		init(bb)
	}
	return bb.Build()
}

// NewQueryBus constructs a query bus via the builder.
func NewQueryBus(init func(bb *BusBuilder)) (*Bus, error) {
	bb := NewBusBuilder().WithKind(KindQuery)
	if init != nil {
		init(bb)
	}
	return bb.Build()
}
