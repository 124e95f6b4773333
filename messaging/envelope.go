package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes bounds envelope payloads so a single oversized message
// cannot be written to the outbox or the broker.
const MaxPayloadBytes = 1 << 20

// Envelope is the immutable cross-service message. It carries both
// integration events (facts that already happened) and commands, routed by
// EventType. AggregateID is the business correlation id used to find the
// saga instance or aggregate a message belongs to.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"eventType"`
	Source      string          `json:"source"`
	AggregateID uuid.UUID       `json:"aggregateId"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEnvelope creates a validated envelope with a fresh id and the payload
// marshalled to JSON.
func NewEnvelope(eventType, source string, aggregateID uuid.UUID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %q: %w", eventType, err)
	}

	envelope := Envelope{
		ID:          uuid.New(),
		EventType:   strings.TrimSpace(eventType),
		Source:      strings.TrimSpace(source),
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Payload:     raw,
	}

	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}

	return envelope, nil
}

// Validate checks the envelope invariants.
func (envelope Envelope) Validate() error {
	if envelope.ID == uuid.Nil {
		return ErrEnvelopeIDRequired
	}

	if strings.TrimSpace(envelope.EventType) == "" {
		return ErrEventTypeRequired
	}

	if envelope.AggregateID == uuid.Nil {
		return ErrAggregateIDRequired
	}

	if len(envelope.Payload) == 0 {
		return ErrPayloadRequired
	}

	if len(envelope.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	if !json.Valid(envelope.Payload) {
		return ErrPayloadNotJSON
	}

	return nil
}

// DecodePayload unmarshals the payload into target.
func (envelope Envelope) DecodePayload(target any) error {
	if err := json.Unmarshal(envelope.Payload, target); err != nil {
		return fmt.Errorf("decode %q payload: %w", envelope.EventType, err)
	}

	return nil
}
