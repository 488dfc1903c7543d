package xdispatch

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates dispatch lifecycle events for the Observer pattern.
type EventType string

const (
	DispatchStart       EventType = "dispatch_start"
	DispatchDone        EventType = "dispatch_done"
	RetryScheduled      EventType = "retry_scheduled"
	BreakerStateChanged EventType = "breaker_state_changed"
	DuplicateSuppressed EventType = "duplicate_suppressed"
	DispatchError       EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type           EventType
	Kind           Kind
	TypeID         string
	MessageID      string
	IdempotencyKey string
	Breaker        string
	BreakerFrom    BreakerState
	BreakerTo      BreakerState
	Attempt        int
	Duration       time.Duration
	Err            error
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits dispatch events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("kind", e.Kind.String()),
		xlog.Str("type_id", e.TypeID),
		xlog.Str("message_id", e.MessageID),
	)
	switch e.Type {
	case DispatchError:
		ev.Warn().Err(e.Err).Msg("xdispatch event")
	case BreakerStateChanged:
		ev.With(
			xlog.Str("breaker", e.Breaker),
			xlog.Str("from", e.BreakerFrom.String()),
			xlog.Str("to", e.BreakerTo.String()),
		).Warn().Msg("xdispatch breaker transition")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		if e.Err != nil {
			ev.Debug().Err(e.Err).Msg("xdispatch event")
			return
		}
		ev.Debug().Msg("xdispatch event")
	}
}
