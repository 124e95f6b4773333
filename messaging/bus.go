package messaging

import "context"

// Handler processes one delivered envelope. Returning nil acknowledges the
// delivery; returning an error triggers redelivery or dead-lettering per
// the bus implementation. Handlers must be idempotent: delivery is
// at-least-once and duplicates are expected.
type Handler func(ctx context.Context, envelope Envelope) error

// Bus is the publish/consume contract between services.
//
// Publish is fire-and-forget from the caller's perspective: a nil return
// means the broker accepted the message, nothing more. Subscribe registers
// a handler for one event type with manual acknowledgment after handler
// success.
type Bus interface {
	Publish(ctx context.Context, envelope Envelope) error
	Subscribe(eventType string, handler Handler) error
}
