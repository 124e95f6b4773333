//go:build unit

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kairospay/subscription-core/messaging"
)

func envelope(t *testing.T, eventType string) messaging.Envelope {
	t.Helper()

	env, err := messaging.NewEnvelope(eventType, "subscriptions", uuid.New(), map[string]string{"k": "v"})
	require.NoError(t, err)

	return env
}

func TestPublishDeliversToSubscribedHandlers(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	var received []messaging.Envelope

	require.NoError(t, bus.Subscribe("subscriptions.registered.v1", func(ctx context.Context, env messaging.Envelope) error {
		received = append(received, env)

		return nil
	}))

	env := envelope(t, "subscriptions.registered.v1")
	require.NoError(t, bus.Publish(context.Background(), env))

	require.Len(t, received, 1)
	require.Equal(t, env.ID, received[0].ID)
	require.Len(t, bus.Published(), 1)
	require.Len(t, bus.PublishedOfType("subscriptions.registered.v1"), 1)
	require.Empty(t, bus.PublishedOfType("subscriptions.canceled.v1"))
}

func TestPublishWithoutSubscribersStillRecords(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	require.NoError(t, bus.Publish(context.Background(), envelope(t, "subscriptions.activated.v1")))
	require.Len(t, bus.Published(), 1)
}

func TestPublishValidatesEnvelope(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	env := envelope(t, "subscriptions.registered.v1")
	env.AggregateID = uuid.Nil

	require.ErrorIs(t, bus.Publish(context.Background(), env), messaging.ErrAggregateIDRequired)
	require.Empty(t, bus.Published())
}

func TestHandlerErrorsAreRecordedNotReturned(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	handlerErr := errors.New("handler exploded")

	require.NoError(t, bus.Subscribe("subscriptions.registered.v1", func(ctx context.Context, env messaging.Envelope) error {
		return handlerErr
	}))

	require.NoError(t, bus.Publish(context.Background(), envelope(t, "subscriptions.registered.v1")))

	deliveryErrors := bus.DeliveryErrors()
	require.Len(t, deliveryErrors, 1)
	require.ErrorIs(t, deliveryErrors[0], handlerErr)
	require.Len(t, bus.Published(), 1, "the broker accepted the message regardless of the consumer")
}

func TestSetPublishErrorSimulatesBrokerFailure(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	brokerErr := errors.New("broker unavailable")
	bus.SetPublishError(func(env messaging.Envelope) error { return brokerErr })

	require.ErrorIs(t, bus.Publish(context.Background(), envelope(t, "subscriptions.registered.v1")), brokerErr)
	require.Empty(t, bus.Published())
}

func TestSubscribeValidation(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	require.ErrorIs(t, bus.Subscribe("  ", func(ctx context.Context, env messaging.Envelope) error { return nil }), messaging.ErrEventTypeRequired)
	require.ErrorIs(t, bus.Subscribe("subscriptions.registered.v1", nil), messaging.ErrHandlerRequired)
}

func TestMultipleHandlersEachReceiveTheEnvelope(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	var first, second int

	require.NoError(t, bus.Subscribe("subscriptions.registered.v1", func(ctx context.Context, env messaging.Envelope) error {
		first++

		return nil
	}))
	require.NoError(t, bus.Subscribe("subscriptions.registered.v1", func(ctx context.Context, env messaging.Envelope) error {
		second++

		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), envelope(t, "subscriptions.registered.v1")))
	require.Equal(t, 1, first)
	require.Equal(t, 1, second)
}
