package xdispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusClosed is returned by Dispatch after Close.
	ErrBusClosed = errors.New("xdispatch: bus closed")
	// ErrNilMessage is returned when Dispatch receives a nil message.
	ErrNilMessage = errors.New("xdispatch: nil message")
	// ErrEmptyTypeID is returned for messages without a type identifier.
	ErrEmptyTypeID = errors.New("xdispatch: empty message type id")
	// ErrNilHandler is returned by Register for a nil handler.
	ErrNilHandler = errors.New("xdispatch: nil handler")
	// ErrRegistrySealed is returned by Register once dispatching has begun.
	ErrRegistrySealed = errors.New("xdispatch: handler registry sealed after first dispatch")
	// ErrKindMismatch is returned when a message kind does not match the bus kind.
	ErrKindMismatch = errors.New("xdispatch: message kind does not match bus kind")
)

// ValidationError rejects a message before any side effect. Never retried.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xdispatch: validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("xdispatch: validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnregisteredHandlerError is a configuration fault: no handler is bound to
// the message type. Terminal, never retried.
type UnregisteredHandlerError struct {
	TypeID string
}

func (e *UnregisteredHandlerError) Error() string {
	return fmt.Sprintf("xdispatch: no handler registered for %q", e.TypeID)
}

// DuplicateHandlerError is a startup-time configuration fault: a second
// handler was registered for an already-bound message type.
type DuplicateHandlerError struct {
	TypeID string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("xdispatch: handler already registered for %q", e.TypeID)
}

// TransientError classifies a failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("xdispatch: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the retry stage treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is classified retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// CircuitOpenError fast-fails a call while a breaker is open. The wrapped
// call was never invoked. The retry stage never retries it.
type CircuitOpenError struct {
	Breaker    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("xdispatch: circuit %q open, retry after %s", e.Breaker, e.RetryAfter)
}

// IsCircuitOpen reports whether err is a breaker fast-fail.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// ConflictError rejects a duplicate idempotent command while the first
// execution is still in flight (opt-in behavior, see IdempotencyConfig).
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("xdispatch: idempotency key %q already in flight", e.Key)
}

// FatalError wraps an unexpected runtime fault (handler panic) caught at the
// dispatch boundary.
type FatalError struct {
	Recovered any
	Stack     []byte
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("xdispatch: fatal: %v", e.Recovered)
}
