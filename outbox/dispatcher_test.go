//go:build unit

package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kairospay/subscription-core/messaging"
	messagingmemory "github.com/kairospay/subscription-core/messaging/memory"
	"github.com/kairospay/subscription-core/outbox"
	outboxmemory "github.com/kairospay/subscription-core/outbox/memory"
	"github.com/kairospay/subscription-core/persistence"
	persistencememory "github.com/kairospay/subscription-core/persistence/memory"
)

type orderPlaced struct {
	Amount int `json:"amount"`
}

const orderPlacedType = "orders.placed.v1"

type dispatcherFixture struct {
	store      *outboxmemory.Store
	bus        *messagingmemory.Bus
	dispatcher *outbox.Dispatcher
	manager    *persistencememory.Manager
	now        time.Time
}

func newDispatcherFixture(t *testing.T, opts ...outbox.DispatcherOption) *dispatcherFixture {
	t.Helper()

	fixture := &dispatcherFixture{
		store:   outboxmemory.NewStore(),
		bus:     messagingmemory.NewBus(),
		manager: persistencememory.NewManager(),
		now:     time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}

	registry := outbox.NewRegistry()
	require.NoError(t, registry.Register(orderPlacedType, outbox.JSONDecoder[orderPlaced](orderPlacedType)))

	options := append([]outbox.DispatcherOption{
		outbox.WithRetryBackoffBase(time.Second),
		outbox.WithClock(func() time.Time { return fixture.now }),
	}, opts...)

	dispatcher, err := outbox.NewDispatcher(fixture.store, fixture.bus, registry, options...)
	require.NoError(t, err)

	fixture.dispatcher = dispatcher

	return fixture
}

func (fixture *dispatcherFixture) seedAndInsert(t *testing.T, maxRetry int) *outbox.Record {
	t.Helper()

	envelope, err := messaging.NewEnvelope(orderPlacedType, "tests", uuid.New(), orderPlaced{Amount: 100})
	require.NoError(t, err)

	record, err := outbox.NewRecord(envelope, maxRetry)
	require.NoError(t, err)
	record.CreatedAt = fixture.now

	fixture.insert(t, record)

	return record
}

func (fixture *dispatcherFixture) insert(t *testing.T, record *outbox.Record) {
	t.Helper()

	err := fixture.manager.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		return fixture.store.CreateInTx(ctx, tx, record)
	})
	require.NoError(t, err)
}

func TestDispatchOncePublishesAndClaims(t *testing.T) {
	t.Parallel()

	fixture := newDispatcherFixture(t)
	record := fixture.seedAndInsert(t, 3)

	result, err := fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Picked)
	require.Equal(t, 1, result.Published)

	require.Len(t, fixture.bus.Published(), 1)

	stored, ok := fixture.store.Get(record.ID)
	require.True(t, ok)
	require.True(t, stored.Processed())

	// A processed record is not picked up again.
	result, err = fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Picked)
}

func TestDispatchOnceSchedulesRetryOnFailure(t *testing.T) {
	t.Parallel()

	fixture := newDispatcherFixture(t)
	record := fixture.seedAndInsert(t, 3)

	fixture.bus.SetPublishError(func(messaging.Envelope) error {
		return errors.New("broker unavailable")
	})

	result, err := fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Retried)
	require.Zero(t, result.Published)

	stored, ok := fixture.store.Get(record.ID)
	require.True(t, ok)
	require.False(t, stored.Processed())
	require.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NextRetryAt)
	require.Equal(t, fixture.now.Add(time.Second), *stored.NextRetryAt)
	require.Contains(t, stored.ErrorMessage, "broker unavailable")

	// Still inside the backoff window: nothing is due.
	result, err = fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Picked)

	// Past the window the record is retried and succeeds.
	fixture.bus.SetPublishError(nil)
	fixture.now = fixture.now.Add(2 * time.Second)

	result, err = fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Published)
}

func TestDispatchOnceExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	fixture := newDispatcherFixture(t)
	record := fixture.seedAndInsert(t, 2)

	fixture.bus.SetPublishError(func(messaging.Envelope) error {
		return errors.New("broker unavailable")
	})

	result, err := fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Retried)

	fixture.now = fixture.now.Add(time.Minute)

	result, err = fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.PermanentlyFailed)

	stored, ok := fixture.store.Get(record.ID)
	require.True(t, ok)
	require.True(t, stored.PermanentlyFailed())

	fixture.now = fixture.now.Add(time.Hour)

	result, err = fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Picked, "permanently failed records are excluded from dispatch")
}

func TestDispatchOnceUnregisteredTypeFailsPermanently(t *testing.T) {
	t.Parallel()

	fixture := newDispatcherFixture(t)

	envelope, err := messaging.NewEnvelope("orders.unknown.v1", "tests", uuid.New(), orderPlaced{Amount: 1})
	require.NoError(t, err)

	unknown, err := outbox.NewRecord(envelope, 3)
	require.NoError(t, err)
	unknown.CreatedAt = fixture.now
	fixture.insert(t, unknown)

	known := fixture.seedAndInsert(t, 3)

	result, err := fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Picked)
	require.Equal(t, 1, result.PermanentlyFailed)
	require.Equal(t, 1, result.Published, "one bad record does not abort the batch")

	stored, ok := fixture.store.Get(unknown.ID)
	require.True(t, ok)
	require.True(t, stored.PermanentlyFailed())

	processed, ok := fixture.store.Get(known.ID)
	require.True(t, ok)
	require.True(t, processed.Processed())
}

func TestDispatchOnceLostClaimIsNotCountedAsPublished(t *testing.T) {
	t.Parallel()

	fixture := newDispatcherFixture(t)
	record := fixture.seedAndInsert(t, 3)

	// Simulate the eager path winning the claim between this cycle's
	// publish and its mark-processed.
	fixture.bus.SetPublishError(func(messaging.Envelope) error {
		claimed, err := fixture.store.MarkProcessed(context.Background(), record.ID, fixture.now)
		require.NoError(t, err)
		require.True(t, claimed)

		return nil
	})

	result, err := fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ClaimsLost)
	require.Zero(t, result.Published)
}

func TestDispatchOnceBulk(t *testing.T) {
	t.Parallel()

	fixture := newDispatcherFixture(t, outbox.WithBatchSize(200))

	failing := make(map[uuid.UUID]bool, 5)
	records := make([]*outbox.Record, 0, 100)

	for i := 0; i < 100; i++ {
		record := fixture.seedAndInsert(t, 5)
		records = append(records, record)

		if i%20 == 0 {
			failing[record.ID] = true
		}
	}

	fixture.bus.SetPublishError(func(envelope messaging.Envelope) error {
		if failing[envelope.ID] {
			return errors.New("routing failure")
		}

		return nil
	})

	result, err := fixture.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 100, result.Picked)
	require.Equal(t, 95, result.Published)
	require.Equal(t, 5, result.Retried)

	for _, record := range records {
		stored, ok := fixture.store.Get(record.ID)
		require.True(t, ok)

		if failing[record.ID] {
			require.False(t, stored.Processed())
			require.Equal(t, 1, stored.RetryCount)
			require.NotNil(t, stored.NextRetryAt)
		} else {
			require.True(t, stored.Processed())
		}
	}
}

func TestDispatcherRunAndShutdown(t *testing.T) {
	t.Parallel()

	fixture := newDispatcherFixture(t, outbox.WithDispatchInterval(10*time.Millisecond))
	fixture.seedAndInsert(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- fixture.dispatcher.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(fixture.bus.Published()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()

	require.NoError(t, fixture.dispatcher.Shutdown(shutdownCtx))
	require.NoError(t, <-done)
}
