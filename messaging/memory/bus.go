// Package memory provides an in-process Bus for tests and single-process
// composition. Delivery is synchronous and at-least-once semantics are
// emulated by recording handler failures instead of retrying.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/kairospay/subscription-core/messaging"
)

// Bus is an in-memory messaging.Bus. Publish delivers synchronously to all
// subscribed handlers and records every accepted envelope for inspection.
type Bus struct {
	mu             sync.Mutex
	handlers       map[string][]messaging.Handler
	published      []messaging.Envelope
	publishErr     func(envelope messaging.Envelope) error
	deliveryErrors []error
}

var _ messaging.Bus = (*Bus)(nil)

// NewBus creates an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]messaging.Handler)}
}

// SetPublishError installs a fault injector consulted on every publish.
// A non-nil return simulates a broker failure: the envelope is not recorded
// and not delivered.
func (bus *Bus) SetPublishError(fn func(envelope messaging.Envelope) error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.publishErr = fn
}

// Publish implements messaging.Bus.
func (bus *Bus) Publish(ctx context.Context, envelope messaging.Envelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}

	bus.mu.Lock()
	failure := bus.publishErr
	bus.mu.Unlock()

	if failure != nil {
		if err := failure(envelope); err != nil {
			return err
		}
	}

	bus.mu.Lock()
	bus.published = append(bus.published, envelope)
	handlers := append([]messaging.Handler(nil), bus.handlers[envelope.EventType]...)
	bus.mu.Unlock()

	// A broker accepts the message regardless of consumer outcome, so
	// handler errors are recorded rather than returned to the publisher.
	for _, handler := range handlers {
		if err := handler(ctx, envelope); err != nil {
			bus.mu.Lock()
			bus.deliveryErrors = append(bus.deliveryErrors, err)
			bus.mu.Unlock()
		}
	}

	return nil
}

// Subscribe implements messaging.Bus.
func (bus *Bus) Subscribe(eventType string, handler messaging.Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return messaging.ErrEventTypeRequired
	}

	if handler == nil {
		return messaging.ErrHandlerRequired
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.handlers[eventType] = append(bus.handlers[eventType], handler)

	return nil
}

// Published returns a copy of every envelope accepted so far.
func (bus *Bus) Published() []messaging.Envelope {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	return append([]messaging.Envelope(nil), bus.published...)
}

// PublishedOfType filters accepted envelopes by event type.
func (bus *Bus) PublishedOfType(eventType string) []messaging.Envelope {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	var result []messaging.Envelope

	for _, envelope := range bus.published {
		if envelope.EventType == eventType {
			result = append(result, envelope)
		}
	}

	return result
}

// DeliveryErrors returns handler errors collected during synchronous delivery.
func (bus *Bus) DeliveryErrors() []error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	return append([]error(nil), bus.deliveryErrors...)
}
