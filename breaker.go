package xdispatch

import (
	"context"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// BreakerState is the circuit breaker state.
type BreakerState uint8

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed BreakerState = iota
	// StateOpen rejects calls immediately until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of trial calls.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before admitting a
	// trial call.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive-success count that closes the
	// breaker from half-open. It also bounds concurrent half-open trials.
	SuccessThreshold uint32
	// OnStateChange, when provided, observes every transition.
	OnStateChange func(name string, from, to BreakerState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker is a per-resource state machine that fast-fails calls after
// repeated failures. All transition decisions are serialized under the
// breaker mutex; the guarded call itself runs outside it.
type Breaker struct {
	name  string
	cfg   BreakerConfig
	clock xclock.Clock

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	halfOpenInFlight     uint32
	openedAt             time.Time
}

// NewBreaker builds a standalone breaker. Most callers go through a
// BreakerRegistry instead.
func NewBreaker(name string, cfg BreakerConfig, clock xclock.Clock) *Breaker {
	if clock == nil {
		clock = xclock.Default()
	}
	return &Breaker{name: name, cfg: cfg.withDefaults(), clock: clock}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to closed with all counters cleared. Intended
// for test isolation and operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

// Execute runs fn under breaker protection. While open it returns
// Err(CircuitOpenError) without invoking fn; otherwise the outcome of fn is
// recorded against the state machine and propagated unchanged.
func (b *Breaker) Execute(fn func() Result[any]) Result[any] {
	if err := b.allow(); err != nil {
		return Err[any](err)
	}
	res := fn()
	if res.IsOk() {
		b.onSuccess()
	} else {
		b.onFailure()
	}
	return res
}

// allow decides admission. The open->half-open transition happens here,
// before the trial executes, so two concurrent calls cannot both claim the
// same trial slot.
func (b *Breaker) allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		elapsed := b.clock.Since(b.openedAt)
		if elapsed < b.cfg.RecoveryTimeout {
			remaining := b.cfg.RecoveryTimeout - elapsed
			b.mu.Unlock()
			return &CircuitOpenError{Breaker: b.name, RetryAfter: remaining}
		}
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 1
		b.openedAt = time.Time{}
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return nil

	default: // StateHalfOpen
		if b.halfOpenInFlight+b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.mu.Unlock()
			return &CircuitOpenError{Breaker: b.name, RetryAfter: 0}
		}
		b.halfOpenInFlight++
		b.mu.Unlock()
		return nil
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
		b.mu.Unlock()

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
			b.halfOpenInFlight = 0
			b.mu.Unlock()
			b.notify(StateHalfOpen, StateClosed)
			return
		}
		b.mu.Unlock()

	default:
		// Success from a call admitted before the breaker opened; the open
		// state is authoritative until the recovery timeout elapses.
		b.mu.Unlock()
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.clock.Now()
			b.mu.Unlock()
			b.notify(StateClosed, StateOpen)
			return
		}
		b.mu.Unlock()

	case StateHalfOpen:
		// Any failure during a trial discards partial successes.
		b.state = StateOpen
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
		b.openedAt = b.clock.Now()
		b.mu.Unlock()
		b.notify(StateHalfOpen, StateOpen)

	default:
		b.mu.Unlock()
	}
}

func (b *Breaker) notify(from, to BreakerState) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// BreakerRegistry owns named, independent breakers. Entries are created
// lazily on first use and live for the registry lifetime; Reset/ResetAll
// exist for test isolation.
type BreakerRegistry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	overrides map[string]BreakerConfig
	defaults  BreakerConfig
	clock     xclock.Clock
}

// NewBreakerRegistry builds a registry whose breakers use defaults unless
// overridden per name via Configure.
func NewBreakerRegistry(defaults BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:  make(map[string]*Breaker),
		overrides: make(map[string]BreakerConfig),
		defaults:  defaults.withDefaults(),
		clock:     xclock.Default(),
	}
}

// SetClock injects the time source. Call before the first Get.
func (r *BreakerRegistry) SetClock(c xclock.Clock) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.clock = c
	r.mu.Unlock()
}

// Configure sets a per-name config, taking effect when the breaker is first
// created. Call during setup, before traffic reaches the name.
func (r *BreakerRegistry) Configure(name string, cfg BreakerConfig) {
	r.mu.Lock()
	r.overrides[name] = cfg.withDefaults()
	r.mu.Unlock()
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	if o, ok := r.overrides[name]; ok {
		cfg = o
	}
	b = NewBreaker(name, cfg, r.clock)
	r.breakers[name] = b
	return b
}

// Reset resets a single breaker if it exists.
func (r *BreakerRegistry) Reset(name string) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// ResetAll resets every breaker in the registry.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()
	for _, b := range all {
		b.Reset()
	}
}

// BreakerMiddleware guards the stages below it with the breaker named by
// nameFor (default: the message type id, one breaker per handler).
func BreakerMiddleware(reg *BreakerRegistry, nameFor func(msg *Message) string) Middleware {
	if nameFor == nil {
		nameFor = func(msg *Message) string { return msg.TypeID }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) Result[any] {
			return reg.Get(nameFor(msg)).Execute(func() Result[any] {
				return next(ctx, msg)
			})
		}
	}
}
