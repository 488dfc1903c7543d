package xdispatch

import "errors"

// Result is the two-variant outcome of a handler or middleware stage.
// Exactly one variant is populated: a success value or an error.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a success value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Err wraps a failure. A nil error is normalized so the invariant
// "exactly one variant populated" holds even for misuse.
func Err[T any](err error) Result[T] {
	if err == nil {
		err = errors.New("xdispatch: Err called with nil error")
	}
	return Result[T]{err: err}
}

// IsOk reports whether the result holds a success value.
func (r Result[T]) IsOk() bool { return r.err == nil }

// IsErr reports whether the result holds an error.
func (r Result[T]) IsErr() bool { return r.err != nil }

// Value returns the success value, or the zero value on the error variant.
func (r Result[T]) Value() T { return r.value }

// Err returns the error, or nil on the success variant.
func (r Result[T]) Err() error { return r.err }

// Unwrap splits the result into Go's conventional (value, error) pair.
func (r Result[T]) Unwrap() (T, error) { return r.value, r.err }

// ValueOr returns the success value, or fallback on the error variant.
func (r Result[T]) ValueOr(fallback T) T {
	if r.err != nil {
		return fallback
	}
	return r.value
}

// Map transforms the success value; the error variant passes through and fn
// is never invoked on it.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err}
	}
	return Ok(fn(r.value))
}

// AndThen chains a result-producing step; the error variant short-circuits
// and fn is never invoked on it.
func AndThen[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err}
	}
	return fn(r.value)
}

// ToAny erases the value type. Handlers produce typed results; the bus
// transports Result[any].
func ToAny[T any](r Result[T]) Result[any] {
	if r.err != nil {
		return Result[any]{err: r.err}
	}
	return Ok[any](r.value)
}

// As asserts the dynamic type of a dispatch result's value.
func As[T any](r Result[any]) (T, error) {
	var zero T
	if r.err != nil {
		return zero, r.err
	}
	v, ok := r.value.(T)
	if !ok {
		return zero, &ValidationError{Reason: "result value has unexpected type"}
	}
	return v, nil
}
