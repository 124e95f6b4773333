//go:build unit

package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kairospay/subscription-core/messaging"
	messagingmemory "github.com/kairospay/subscription-core/messaging/memory"
	outboxmemory "github.com/kairospay/subscription-core/outbox/memory"
	persistencememory "github.com/kairospay/subscription-core/persistence/memory"
	"github.com/kairospay/subscription-core/saga"
	sagamemory "github.com/kairospay/subscription-core/saga/memory"
	"github.com/kairospay/subscription-core/subscription"
	subscriptionmemory "github.com/kairospay/subscription-core/subscription/memory"
	"github.com/kairospay/subscription-core/unitofwork"
)

// fixture wires the whole workflow against in-memory infrastructure: the
// subscription service and the orchestrator share one bus, so eager
// publishing drives each saga step synchronously.
type fixture struct {
	bus               *messagingmemory.Bus
	sagaStore         *sagamemory.Store
	subscriptionStore *subscriptionmemory.Store
	outboxStore       *outboxmemory.Store
	orchestrator      *saga.Orchestrator
	service           *subscription.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	return newFixtureWithStore(t, sagamemory.NewStore(), nil)
}

func newFixtureWithStore(t *testing.T, baseStore *sagamemory.Store, wrap func(saga.Store) saga.Store) *fixture {
	t.Helper()

	f := &fixture{
		bus:               messagingmemory.NewBus(),
		sagaStore:         baseStore,
		subscriptionStore: subscriptionmemory.NewStore(),
		outboxStore:       outboxmemory.NewStore(),
	}

	uowManager, err := unitofwork.NewManager(persistencememory.NewManager(), f.outboxStore, f.bus)
	require.NoError(t, err)

	var store saga.Store = f.sagaStore
	if wrap != nil {
		store = wrap(store)
	}

	f.orchestrator, err = saga.NewOrchestrator(store, uowManager)
	require.NoError(t, err)
	require.NoError(t, f.orchestrator.RegisterHandlers(f.bus))

	f.service, err = subscription.NewService(f.subscriptionStore, uowManager)
	require.NoError(t, err)
	require.NoError(t, f.service.RegisterHandlers(f.bus))

	return f
}

func (f *fixture) register(t *testing.T) *subscription.Subscription {
	t.Helper()

	sub, err := f.service.Register(context.Background(), subscription.RegisterInput{
		CustomerID: uuid.New(),
		PlanCode:   "plan-premium",
		Amount:     decimal.NewFromInt(100),
		Currency:   "EUR",
	})
	require.NoError(t, err)

	return sub
}

func (f *fixture) confirmPayment(t *testing.T, subscriptionID uuid.UUID) error {
	t.Helper()

	envelope, err := messaging.NewEnvelope(
		subscription.EventPaymentConfirmed,
		subscription.PaymentSource,
		subscriptionID,
		subscription.PaymentConfirmedEvent{
			SubscriptionID:   subscriptionID,
			PaymentReference: "pay-ref-123",
			Amount:           decimal.NewFromInt(100),
			Currency:         "EUR",
			ConfirmedAt:      time.Now().UTC(),
		},
	)
	require.NoError(t, err)

	return f.bus.Publish(context.Background(), envelope)
}

func (f *fixture) rejectPayment(t *testing.T, subscriptionID uuid.UUID, reason string) error {
	t.Helper()

	envelope, err := messaging.NewEnvelope(
		subscription.EventPaymentRejected,
		subscription.PaymentSource,
		subscriptionID,
		subscription.PaymentRejectedEvent{
			SubscriptionID: subscriptionID,
			Reason:         reason,
			RejectedAt:     time.Now().UTC(),
		},
	)
	require.NoError(t, err)

	return f.bus.Publish(context.Background(), envelope)
}

func TestRegistrationStartsSagaAndRequestsPayment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sub := f.register(t)

	state, err := f.sagaStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusAwaitingConfirmation, state.Status)
	require.Equal(t, "plan-premium", state.PlanCode)

	require.Len(t, f.bus.PublishedOfType(subscription.CommandRequestPayment), 1)
	require.Empty(t, f.bus.DeliveryErrors())

	stored, err := f.subscriptionStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusPending, stored.Status, "aggregate stays pending until confirmation")
}

func TestConfirmedPaymentCompletesSaga(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sub := f.register(t)

	require.NoError(t, f.confirmPayment(t, sub.ID))

	state, err := f.sagaStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, state.Status)
	require.Equal(t, "pay-ref-123", state.PaymentReference)
	require.EqualValues(t, 2, state.Version)

	require.Len(t, f.bus.PublishedOfType(subscription.CommandActivate), 1, "exactly one Activate command")

	stored, err := f.subscriptionStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, stored.Status)
	require.NotNil(t, stored.CurrentPeriodStart)
	require.NotNil(t, stored.CurrentPeriodEnd)
	require.True(t, stored.CurrentPeriodEnd.After(*stored.CurrentPeriodStart))

	require.Len(t, f.bus.PublishedOfType(subscription.EventActivated), 1)
	require.Empty(t, f.bus.DeliveryErrors())
}

func TestRejectedPaymentCompensates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sub := f.register(t)

	require.NoError(t, f.rejectPayment(t, sub.ID, "card declined"))

	state, err := f.sagaStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusFailed, state.Status)
	require.Equal(t, "card declined", state.FailureReason)

	cancels := f.bus.PublishedOfType(subscription.CommandCancel)
	require.Len(t, cancels, 1, "exactly one compensating Cancel command")

	var command subscription.CancelCommand
	require.NoError(t, cancels[0].DecodePayload(&command))
	require.Equal(t, "card declined", command.Reason)

	stored, err := f.subscriptionStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusCanceled, stored.Status)
	require.Equal(t, "card declined", stored.CancelReason)
	require.Empty(t, f.bus.DeliveryErrors())
}

func TestDuplicateConfirmationIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sub := f.register(t)

	require.NoError(t, f.confirmPayment(t, sub.ID))
	require.NoError(t, f.confirmPayment(t, sub.ID))

	require.Len(t, f.bus.PublishedOfType(subscription.CommandActivate), 1, "second delivery must not emit another command")
	require.Len(t, f.bus.PublishedOfType(subscription.EventActivated), 1, "aggregate activated exactly once")

	state, err := f.sagaStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, state.Version, "no-op must not touch state")
	require.Empty(t, f.bus.DeliveryErrors())
}

func TestLateRejectionAfterCompletionIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sub := f.register(t)

	require.NoError(t, f.confirmPayment(t, sub.ID))
	require.NoError(t, f.rejectPayment(t, sub.ID, "late rejection"))

	state, err := f.sagaStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, state.Status, "terminal state accepts no second terminal transition")

	require.Empty(t, f.bus.PublishedOfType(subscription.CommandCancel))

	stored, err := f.subscriptionStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, stored.Status)
}

func TestEventForUnknownCorrelationIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	require.NoError(t, f.confirmPayment(t, uuid.New()))

	require.Empty(t, f.bus.PublishedOfType(subscription.CommandActivate))
	require.Empty(t, f.bus.DeliveryErrors())
}

func TestDuplicateRegistrationIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sub := f.register(t)

	// Redeliver the original registered event.
	registered := f.bus.PublishedOfType(subscription.EventRegistered)
	require.Len(t, registered, 1)
	require.NoError(t, f.bus.Publish(context.Background(), registered[0]))

	require.Len(t, f.bus.PublishedOfType(subscription.CommandRequestPayment), 1, "duplicate start must not request payment twice")

	state, err := f.sagaStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, state.Version)
}

// staleReads serves reads with a decremented version, forcing every
// compare-and-swap to miss.
type staleReads struct {
	saga.Store
}

func (store staleReads) Get(ctx context.Context, correlationID uuid.UUID) (*saga.State, error) {
	state, err := store.Store.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	state.Version--

	return state, nil
}

func TestVersionConflictSurfacesAsRetryableError(t *testing.T) {
	t.Parallel()

	baseStore := sagamemory.NewStore()
	f := newFixtureWithStore(t, baseStore, func(store saga.Store) saga.Store {
		return staleReads{Store: store}
	})

	sub := f.register(t)

	err := f.orchestrator.HandlePaymentConfirmed(context.Background(), mustEnvelope(t, subscription.EventPaymentConfirmed, sub.ID, subscription.PaymentConfirmedEvent{
		SubscriptionID:   sub.ID,
		PaymentReference: "pay-ref-123",
		Amount:           decimal.NewFromInt(100),
		Currency:         "EUR",
		ConfirmedAt:      time.Now().UTC(),
	}))
	require.ErrorIs(t, err, saga.ErrVersionConflict, "conflict must surface for redelivery, never be swallowed")

	state, err := baseStore.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusAwaitingConfirmation, state.Status, "stale write must leave state untouched")

	require.Empty(t, f.bus.PublishedOfType(subscription.CommandActivate), "no command may escape a vetoed transaction")
}

func mustEnvelope(t *testing.T, eventType string, aggregateID uuid.UUID, payload any) messaging.Envelope {
	t.Helper()

	envelope, err := messaging.NewEnvelope(eventType, subscription.PaymentSource, aggregateID, payload)
	require.NoError(t, err)

	return envelope
}
