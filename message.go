package xdispatch

import (
	"time"
)

// Kind separates writes from reads at the bus level.
type Kind uint8

const (
	// KindUnspecified lets the bus stamp its own kind at dispatch.
	KindUnspecified Kind = iota
	// KindCommand marks a write/side-effecting intent.
	KindCommand
	// KindQuery marks a read-only request.
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	default:
		return "unspecified"
	}
}

// Message is the immutable envelope traveling the bus. Construct it via
// NewCommand/NewQuery; the With* helpers return copies.
type Message struct {
	// ID is a unique message identifier (the bus assigns one if empty).
	ID string
	// Kind is the message category (command or query).
	Kind Kind
	// TypeID is the stable registry key routing to exactly one handler.
	TypeID string
	// Payload is the caller-supplied body, consumed by the handler.
	Payload any
	// IdempotencyKey enables at-most-one execution for commands. Empty
	// means no duplicate suppression.
	IdempotencyKey string
	// Metadata is a bag for headers/tracing/tenancy/etc.
	Metadata map[string]string
	// ProducedAt is the construction timestamp (from the injected clock).
	ProducedAt time.Time
}

// NewCommand builds a write message for the given type.
func NewCommand(typeID string, payload any) *Message {
	return &Message{Kind: KindCommand, TypeID: typeID, Payload: payload}
}

// NewQuery builds a read-only message for the given type.
func NewQuery(typeID string, payload any) *Message {
	return &Message{Kind: KindQuery, TypeID: typeID, Payload: payload}
}

// WithIdempotencyKey returns a copy carrying the duplicate-suppression key.
// Only meaningful on commands; the idempotency stage ignores queries.
func (m *Message) WithIdempotencyKey(key string) *Message {
	c := *m
	c.IdempotencyKey = key
	return &c
}

// WithMetadata returns a copy with the header set.
func (m *Message) WithMetadata(k, v string) *Message {
	c := *m
	c.Metadata = make(map[string]string, len(m.Metadata)+1)
	for mk, mv := range m.Metadata {
		c.Metadata[mk] = mv
	}
	c.Metadata[k] = v
	return &c
}
