package xdispatch

import (
	"context"
)

// Handler processes a single message and reports the outcome as a Result.
type Handler func(ctx context.Context, msg *Message) Result[any]

// Middleware composes a cross-cutting concern around a Handler.
type Middleware func(next Handler) Handler

// Validator is the injected validation slot. A non-nil error rejects the
// message before any side effect; rule content is the caller's business.
type Validator func(ctx context.Context, msg *Message) error

// Observer receives dispatch lifecycle events. Implementations should be
// non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// API represents the complete dispatch surface for extensibility.
type API interface {
	Register(typeID string, h Handler) error
	Dispatch(ctx context.Context, msg *Message) Result[any]
	Metrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	Close() error
}

var _ API = (*Bus)(nil)
