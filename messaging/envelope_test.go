//go:build unit

package messaging

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestNewEnvelopePopulatesAndValidates(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()

	envelope, err := NewEnvelope("subscriptions.registered.v1", "subscriptions", aggregateID, testPayload{Name: "basic", Count: 3})
	require.NoError(t, err)

	require.NotEqual(t, uuid.Nil, envelope.ID)
	require.Equal(t, "subscriptions.registered.v1", envelope.EventType)
	require.Equal(t, "subscriptions", envelope.Source)
	require.Equal(t, aggregateID, envelope.AggregateID)
	require.False(t, envelope.OccurredAt.IsZero())
	require.Equal(t, envelope.OccurredAt.UTC(), envelope.OccurredAt, "timestamps are UTC")

	var decoded testPayload
	require.NoError(t, envelope.DecodePayload(&decoded))
	require.Equal(t, "basic", decoded.Name)
	require.Equal(t, 3, decoded.Count)
}

func TestNewEnvelopeTrimsEventType(t *testing.T) {
	t.Parallel()

	envelope, err := NewEnvelope("  subscriptions.registered.v1  ", " subscriptions ", uuid.New(), testPayload{})
	require.NoError(t, err)
	require.Equal(t, "subscriptions.registered.v1", envelope.EventType)
	require.Equal(t, "subscriptions", envelope.Source)
}

func TestNewEnvelopeRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	_, err := NewEnvelope("subscriptions.registered.v1", "subscriptions", uuid.New(), func() {})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Envelope {
		envelope, err := NewEnvelope("subscriptions.registered.v1", "subscriptions", uuid.New(), testPayload{})
		require.NoError(t, err)

		return envelope
	}

	cases := []struct {
		name    string
		mutate  func(envelope *Envelope)
		wantErr error
	}{
		{"missing id", func(e *Envelope) { e.ID = uuid.Nil }, ErrEnvelopeIDRequired},
		{"missing event type", func(e *Envelope) { e.EventType = "  " }, ErrEventTypeRequired},
		{"missing aggregate", func(e *Envelope) { e.AggregateID = uuid.Nil }, ErrAggregateIDRequired},
		{"empty payload", func(e *Envelope) { e.Payload = nil }, ErrPayloadRequired},
		{"payload not json", func(e *Envelope) { e.Payload = json.RawMessage(`{"broken`) }, ErrPayloadNotJSON},
		{
			"payload too large",
			func(e *Envelope) {
				e.Payload = json.RawMessage(`"` + strings.Repeat("x", MaxPayloadBytes) + `"`)
			},
			ErrPayloadTooLarge,
		},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			envelope := valid()
			testCase.mutate(&envelope)
			require.ErrorIs(t, envelope.Validate(), testCase.wantErr)
		})
	}
}

func TestDecodePayloadMismatch(t *testing.T) {
	t.Parallel()

	envelope, err := NewEnvelope("subscriptions.registered.v1", "subscriptions", uuid.New(), []int{1, 2, 3})
	require.NoError(t, err)

	var decoded testPayload
	require.Error(t, envelope.DecodePayload(&decoded))
}

func TestEnvelopeRoundTripsThroughJSON(t *testing.T) {
	t.Parallel()

	envelope, err := NewEnvelope("subscriptions.registered.v1", "subscriptions", uuid.New(), testPayload{Name: "basic"})
	require.NoError(t, err)

	raw, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, decoded.Validate())
	require.Equal(t, envelope.ID, decoded.ID)
	require.Equal(t, envelope.EventType, decoded.EventType)
	require.JSONEq(t, string(envelope.Payload), string(decoded.Payload))
}
