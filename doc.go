// Package xdispatch is a resilient in-process command/query dispatch core.
//
// Every write (command) and read (query) flows through a Bus, which resolves
// exactly one registered handler per message type and invokes it through a
// fixed-order middleware chain:
//
//	Idempotency -> Validation -> Retry -> Circuit Breaker -> Handler
//
// Handlers and middleware return a Result instead of raising errors, so
// callers of Dispatch never observe a panic: unexpected faults are converted
// into a FatalError at the dispatch boundary.
//
// The resilience primitives (BreakerRegistry, IdempotencyGuard, RetryPolicy)
// are plain injectable objects, usable on their own or wired through the
// BusBuilder.
package xdispatch
