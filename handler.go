package xdispatch

import (
	"context"
	"fmt"
)

// RegisterCommandHandler binds a strongly typed handler function to a
// command type. The payload is asserted before the handler runs; a mismatch
// is a validation failure, not a panic.
func RegisterCommandHandler[P, R any](bus *Bus, typeID string, fn func(ctx context.Context, payload P) Result[R]) error {
	return registerTyped(bus, typeID, fn)
}

// RegisterQueryHandler binds a strongly typed handler function to a query
// type.
func RegisterQueryHandler[P, R any](bus *Bus, typeID string, fn func(ctx context.Context, payload P) Result[R]) error {
	return registerTyped(bus, typeID, fn)
}

func registerTyped[P, R any](bus *Bus, typeID string, fn func(ctx context.Context, payload P) Result[R]) error {
	if fn == nil {
		return ErrNilHandler
	}
	return bus.Register(typeID, func(ctx context.Context, msg *Message) Result[any] {
		payload, ok := msg.Payload.(P)
		if !ok {
			return Err[any](&ValidationError{
				Reason: fmt.Sprintf("payload for %q is %T, want %T", typeID, msg.Payload, payload),
			})
		}
		return ToAny(fn(ctx, payload))
	})
}
