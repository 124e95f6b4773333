package outbox

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kairospay/subscription-core/messaging"
)

// Decoder reconstructs a bus envelope from a stored record payload. A
// decoder should reject payloads whose body does not match the registered
// event type's contract, so schema drift surfaces at dispatch time instead
// of on the consumer side.
type Decoder func(payload []byte) (messaging.Envelope, error)

// Registry maps event types to decoders. Registration is explicit: the
// dispatcher treats an unregistered type as a permanent failure, never as
// something to guess a decoder for.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register binds an event type to a decoder. Registering the same type
// twice is a wiring bug and fails.
func (registry *Registry) Register(eventType string, decoder Decoder) error {
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if decoder == nil {
		return ErrDecoderRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.decoders[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrTypeAlreadyRegistered, eventType)
	}

	registry.decoders[eventType] = decoder

	return nil
}

// Decode resolves the record's event type and runs its decoder.
func (registry *Registry) Decode(record *Record) (messaging.Envelope, error) {
	if record == nil {
		return messaging.Envelope{}, ErrRecordRequired
	}

	registry.mu.RLock()
	decoder, exists := registry.decoders[record.EventType]
	registry.mu.RUnlock()

	if !exists {
		return messaging.Envelope{}, fmt.Errorf("%w: %s", ErrTypeNotRegistered, record.EventType)
	}

	return decoder(record.Payload)
}

// Types returns the registered event types, for startup logging.
func (registry *Registry) Types() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	types := make([]string, 0, len(registry.decoders))
	for eventType := range registry.decoders {
		types = append(types, eventType)
	}

	return types
}

// JSONDecoder builds a decoder for envelopes whose payload unmarshals into
// Body. It verifies the envelope's type tag and validity before accepting
// the payload.
func JSONDecoder[Body any](eventType string) Decoder {
	return func(payload []byte) (messaging.Envelope, error) {
		var envelope messaging.Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return messaging.Envelope{}, fmt.Errorf("decode %s envelope: %w", eventType, err)
		}

		if envelope.EventType != eventType {
			return messaging.Envelope{}, fmt.Errorf("decode %s envelope: payload carries type %q", eventType, envelope.EventType)
		}

		if err := envelope.Validate(); err != nil {
			return messaging.Envelope{}, fmt.Errorf("decode %s envelope: %w", eventType, err)
		}

		var body Body
		if err := json.Unmarshal(envelope.Payload, &body); err != nil {
			return messaging.Envelope{}, fmt.Errorf("decode %s body: %w", eventType, err)
		}

		return envelope, nil
	}
}
