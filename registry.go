package xdispatch

import (
	"sync"
	"sync/atomic"
)

// handlerRegistry maps a message type to exactly one handler. It is
// populated during setup and sealed on first dispatch; steady-state lookups
// take the read lock only.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   atomic.Bool
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string]Handler)}
}

// register binds a handler to typeID. Duplicate registration and
// registration after the first dispatch are configuration errors surfaced
// immediately.
func (r *handlerRegistry) register(typeID string, h Handler) error {
	if typeID == "" {
		return ErrEmptyTypeID
	}
	if h == nil {
		return ErrNilHandler
	}
	if r.sealed.Load() {
		return ErrRegistrySealed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[typeID]; exists {
		return &DuplicateHandlerError{TypeID: typeID}
	}
	r.handlers[typeID] = h
	return nil
}

func (r *handlerRegistry) lookup(typeID string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[typeID]
	r.mu.RUnlock()
	return h, ok
}

// seal freezes the registry; late Register calls fail fast instead of racing
// concurrent dispatches.
func (r *handlerRegistry) seal() {
	r.sealed.Store(true)
}

func (r *handlerRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
