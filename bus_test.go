package xdispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, init func(bb *BusBuilder)) *Bus {
	t.Helper()
	bus, err := NewCommandBus(init)
	require.NoError(t, err)
	return bus
}

func TestBus_DispatchUnregisteredType(t *testing.T) {
	bus := newTestBus(t, nil)

	res := bus.Dispatch(context.Background(), NewCommand("orders.create", nil))
	require.True(t, res.IsErr())

	var ue *UnregisteredHandlerError
	require.ErrorAs(t, res.Err(), &ue)
	assert.Equal(t, "orders.create", ue.TypeID)
}

func TestBus_DuplicateRegistrationFailsAtSetup(t *testing.T) {
	bus := newTestBus(t, nil)

	ok := func(ctx context.Context, msg *Message) Result[any] { return Ok[any](nil) }
	require.NoError(t, bus.Register("orders.create", ok))

	err := bus.Register("orders.create", ok)
	var de *DuplicateHandlerError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "orders.create", de.TypeID)
}

func TestBus_RegisterAfterFirstDispatchFails(t *testing.T) {
	bus := newTestBus(t, nil)
	ok := func(ctx context.Context, msg *Message) Result[any] { return Ok[any](nil) }
	require.NoError(t, bus.Register("orders.create", ok))

	_ = bus.Dispatch(context.Background(), NewCommand("orders.create", nil))

	assert.ErrorIs(t, bus.Register("orders.cancel", ok), ErrRegistrySealed)
}

func TestBus_RegisterRejectsBadInput(t *testing.T) {
	bus := newTestBus(t, nil)
	assert.ErrorIs(t, bus.Register("", func(ctx context.Context, msg *Message) Result[any] { return Ok[any](nil) }), ErrEmptyTypeID)
	assert.ErrorIs(t, bus.Register("orders.create", nil), ErrNilHandler)
}

func TestBus_DispatchNeverPanics(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		panic("unexpected fault")
	}))

	var res Result[any]
	require.NotPanics(t, func() {
		res = bus.Dispatch(context.Background(), NewCommand("orders.create", nil))
	})

	require.True(t, res.IsErr())
	var fe *FatalError
	require.ErrorAs(t, res.Err(), &fe)
	assert.Equal(t, "unexpected fault", fe.Recovered)
}

func TestBus_KindMismatchRejected(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.Register("orders.get", func(ctx context.Context, msg *Message) Result[any] {
		return Ok[any](nil)
	}))

	res := bus.Dispatch(context.Background(), NewQuery("orders.get", nil))
	assert.ErrorIs(t, res.Err(), ErrKindMismatch)
}

func TestBus_StampsUnspecifiedKindAndID(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		assert.Equal(t, KindCommand, msg.Kind)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.ProducedAt.IsZero())
		return Ok[any](nil)
	}))

	res := bus.Dispatch(context.Background(), &Message{TypeID: "orders.create"})
	require.True(t, res.IsOk())
}

func TestBus_DispatchValidatesInput(t *testing.T) {
	bus := newTestBus(t, nil)
	assert.ErrorIs(t, bus.Dispatch(context.Background(), nil).Err(), ErrNilMessage)
	assert.ErrorIs(t, bus.Dispatch(context.Background(), &Message{}).Err(), ErrEmptyTypeID)
}

func TestBus_ClosedBusRejectsDispatch(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		return Ok[any](nil)
	}))
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close()) // idempotent

	res := bus.Dispatch(context.Background(), NewCommand("orders.create", nil))
	assert.ErrorIs(t, res.Err(), ErrBusClosed)
}

func TestBus_HandlerContextCarriesLoggerAndClock(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		_, ok := LoggerFromContext(ctx)
		assert.True(t, ok)
		_, ok = ClockFromContext(ctx)
		assert.True(t, ok)
		return Ok[any](nil)
	}))

	res := bus.Dispatch(context.Background(), NewCommand("orders.create", nil))
	require.True(t, res.IsOk())
}

func TestBus_ValidationFailureConsumesNoRetryBudget(t *testing.T) {
	var handlerCalls atomic.Int32
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithValidator(func(ctx context.Context, msg *Message) error {
			return errors.New("bad amount")
		}).WithRetry(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond})
	})
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		handlerCalls.Add(1)
		return Ok[any](nil)
	}))

	res := bus.Dispatch(context.Background(), NewCommand("orders.create", nil))
	require.True(t, res.IsErr())

	var ve *ValidationError
	require.ErrorAs(t, res.Err(), &ve)
	assert.Equal(t, int32(0), handlerCalls.Load())
	assert.Equal(t, uint64(0), bus.Metrics().Retries)
}

func TestBus_RetryWrapsBreaker(t *testing.T) {
	var handlerCalls atomic.Int32
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithRetry(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}).
			WithBreaker(BreakerConfig{
				FailureThreshold: 2,
				RecoveryTimeout:  time.Minute,
				SuccessThreshold: 1,
			})
	})
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		handlerCalls.Add(1)
		return Err[any](Transient(errors.New("downstream down")))
	}))

	res := bus.Dispatch(context.Background(), NewCommand("orders.create", nil))
	require.True(t, res.IsErr())

	// Two failures open the breaker; the third attempt is short-circuited
	// and the retry stage stops on the fast-fail instead of burning budget.
	assert.Equal(t, int32(2), handlerCalls.Load())
	assert.True(t, IsCircuitOpen(res.Err()))
	assert.Equal(t, StateOpen, bus.Breakers().Get("orders.create").State())
	assert.Equal(t, uint64(1), bus.Metrics().BreakerRejections)
}

func TestBus_IdempotencySuppressesDuplicatesBeforeValidation(t *testing.T) {
	var validatorCalls, handlerCalls atomic.Int32
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithValidator(func(ctx context.Context, msg *Message) error {
			validatorCalls.Add(1)
			return nil
		}).WithIdempotency(IdempotencyConfig{TTL: time.Minute})
	})
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		handlerCalls.Add(1)
		return Ok[any]("order-123")
	}))

	msg := NewCommand("orders.create", nil).WithIdempotencyKey("abc")

	first := bus.Dispatch(context.Background(), msg)
	second := bus.Dispatch(context.Background(), msg)

	require.True(t, first.IsOk())
	require.True(t, second.IsOk())
	assert.Equal(t, "order-123", second.Value())
	assert.Equal(t, int32(1), handlerCalls.Load())
	assert.Equal(t, int32(1), validatorCalls.Load())
	assert.Equal(t, uint64(1), bus.Metrics().DuplicatesSuppressed)
}

func TestBus_ConcurrentIdempotentDispatchesConverge(t *testing.T) {
	var handlerCalls atomic.Int32
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithIdempotency(IdempotencyConfig{TTL: time.Minute})
	})
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		handlerCalls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return Ok[any]("order-123")
	}))

	msg := NewCommand("orders.create", nil).WithIdempotencyKey("abc")

	const callers = 8
	results := make([]Result[any], callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = bus.Dispatch(context.Background(), msg)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), handlerCalls.Load())
	for _, res := range results {
		require.True(t, res.IsOk())
		assert.Equal(t, "order-123", res.Value())
	}
}

func TestQueryBus_SkipsIdempotencyStage(t *testing.T) {
	bus, err := NewQueryBus(func(bb *BusBuilder) {
		bb.WithIdempotency(IdempotencyConfig{TTL: time.Minute})
	})
	require.NoError(t, err)

	assert.Nil(t, bus.IdempotencyGuard())
	assert.Equal(t, KindQuery, bus.Kind())

	var calls atomic.Int32
	require.NoError(t, bus.Register("orders.get", func(ctx context.Context, msg *Message) Result[any] {
		calls.Add(1)
		return Ok[any]("order")
	}))

	// Queries repeat freely even when dispatched twice.
	_ = bus.Dispatch(context.Background(), NewQuery("orders.get", nil))
	_ = bus.Dispatch(context.Background(), NewQuery("orders.get", nil))
	assert.Equal(t, int32(2), calls.Load())
}

func TestBus_UserMiddlewareRunsBetweenValidationAndRetry(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithValidator(func(ctx context.Context, msg *Message) error {
			record("validate")
			return nil
		}).WithMiddleware(func(next Handler) Handler {
			return func(ctx context.Context, msg *Message) Result[any] {
				record("user")
				return next(ctx, msg)
			}
		}).WithRetry(RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond})
	})
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		record("handler")
		return Err[any](Transient(errors.New("flaky")))
	}))

	_ = bus.Dispatch(context.Background(), NewCommand("orders.create", nil))

	mu.Lock()
	defer mu.Unlock()
	// Validation and the user stage run once; the retry loop below them
	// re-invokes only the handler.
	assert.Equal(t, []string{"validate", "user", "handler", "handler"}, order)
}

func TestBus_MetricsTrackOutcomes(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		if msg.Payload == "fail" {
			return Err[any](errors.New("boom"))
		}
		return Ok[any](nil)
	}))

	_ = bus.Dispatch(context.Background(), NewCommand("orders.create", "ok"))
	_ = bus.Dispatch(context.Background(), NewCommand("orders.create", "fail"))

	m := bus.Metrics()
	assert.Equal(t, uint64(2), m.Dispatched)
	assert.Equal(t, uint64(1), m.Succeeded)
	assert.Equal(t, uint64(1), m.Failed)
	assert.Greater(t, m.AvgProcessingTimeMs, 0.0)
}

func TestBus_HealthDegradesOnErrorRate(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		return Err[any](errors.New("boom"))
	}))

	assert.Equal(t, "healthy", bus.Health(context.Background()).Status)

	_ = bus.Dispatch(context.Background(), NewCommand("orders.create", nil))
	assert.Equal(t, "degraded", bus.Health(context.Background()).Status)

	require.NoError(t, bus.Close())
	assert.Equal(t, "unhealthy", bus.Health(context.Background()).Status)
}

func TestBus_ObserversSeeDispatchLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []EventType

	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithObserver(ObserverFunc(func(e Event) {
			mu.Lock()
			seen = append(seen, e.Type)
			mu.Unlock()
		}))
	})
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		return Ok[any](nil)
	}))

	_ = bus.Dispatch(context.Background(), NewCommand("orders.create", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{DispatchStart, DispatchDone}, seen)
}

type countingObserver struct {
	count *atomic.Int32
}

func (o *countingObserver) OnEvent(e Event) { o.count.Add(1) }

func TestBus_RemoveObserver(t *testing.T) {
	var count atomic.Int32
	obs := &countingObserver{count: &count}

	bus := newTestBus(t, nil)
	require.NoError(t, bus.Register("orders.create", func(ctx context.Context, msg *Message) Result[any] {
		return Ok[any](nil)
	}))

	bus.AddObserver(obs)
	_ = bus.Dispatch(context.Background(), NewCommand("orders.create", nil))
	after := count.Load()
	require.Greater(t, after, int32(0))

	bus.RemoveObserver(obs)
	_ = bus.Dispatch(context.Background(), NewCommand("orders.create", nil))
	assert.Equal(t, after, count.Load())
}

func TestRegisterTypedHandlers(t *testing.T) {
	type createOrder struct {
		Amount int
	}

	bus := newTestBus(t, nil)
	require.NoError(t, RegisterCommandHandler(bus, "orders.create",
		func(ctx context.Context, cmd createOrder) Result[string] {
			if cmd.Amount <= 0 {
				return Err[string](&ValidationError{Reason: "amount must be positive"})
			}
			return Ok("order-123")
		}))

	res := bus.Dispatch(context.Background(), NewCommand("orders.create", createOrder{Amount: 10}))
	require.True(t, res.IsOk())
	id, err := As[string](res)
	require.NoError(t, err)
	assert.Equal(t, "order-123", id)

	// Wrong payload type is a validation failure, not a panic.
	res = bus.Dispatch(context.Background(), NewCommand("orders.create", "not a struct"))
	var ve *ValidationError
	require.ErrorAs(t, res.Err(), &ve)
}

func TestRegisterQueryTypedHandler(t *testing.T) {
	bus, err := NewQueryBus(nil)
	require.NoError(t, err)

	require.NoError(t, RegisterQueryHandler(bus, "orders.get",
		func(ctx context.Context, id string) Result[int] {
			return Ok(42)
		}))

	res := bus.Dispatch(context.Background(), NewQuery("orders.get", "order-123"))
	v, err := As[int](res)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
