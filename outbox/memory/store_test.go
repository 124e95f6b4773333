//go:build unit

package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kairospay/subscription-core/messaging"
	"github.com/kairospay/subscription-core/outbox"
	"github.com/kairospay/subscription-core/persistence"
	persistencememory "github.com/kairospay/subscription-core/persistence/memory"
)

var createdAtSeq int64

func insertRecord(t *testing.T, store *Store) *outbox.Record {
	t.Helper()

	envelope, err := messaging.NewEnvelope("orders.placed.v1", "tests", uuid.New(), map[string]int{"amount": 10})
	require.NoError(t, err)

	record, err := outbox.NewRecord(envelope, 3)
	require.NoError(t, err)

	// Deterministic ordering for ListDue assertions.
	seq := atomic.AddInt64(&createdAtSeq, 1)
	record.CreatedAt = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)

	manager := persistencememory.NewManager()
	err = manager.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		return store.CreateInTx(ctx, tx, record)
	})
	require.NoError(t, err)

	return record
}

func TestCreateVisibleOnlyAfterCommit(t *testing.T) {
	t.Parallel()

	store := NewStore()
	manager := persistencememory.NewManager()

	envelope, err := messaging.NewEnvelope("orders.placed.v1", "tests", uuid.New(), map[string]int{"amount": 10})
	require.NoError(t, err)

	record, err := outbox.NewRecord(envelope, 3)
	require.NoError(t, err)

	err = manager.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		require.NoError(t, store.CreateInTx(ctx, tx, record))

		_, exists := store.Get(record.ID)
		require.False(t, exists, "insert must not be visible before commit")

		return nil
	})
	require.NoError(t, err)

	_, exists := store.Get(record.ID)
	require.True(t, exists)
}

func TestCreateDuplicateVetoesTransaction(t *testing.T) {
	t.Parallel()

	store := NewStore()
	record := insertRecord(t, store)

	manager := persistencememory.NewManager()
	err := manager.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		return store.CreateInTx(ctx, tx, record)
	})
	require.Error(t, err)
	require.Equal(t, 1, store.Len())
}

func TestMarkProcessedClaimsExactlyOnce(t *testing.T) {
	t.Parallel()

	store := NewStore()
	record := insertRecord(t, store)
	now := time.Now().UTC()

	claimed, err := store.MarkProcessed(context.Background(), record.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = store.MarkProcessed(context.Background(), record.ID, now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, claimed, "second claim must lose")

	stored, ok := store.Get(record.ID)
	require.True(t, ok)
	require.NotNil(t, stored.ProcessedAt)
	require.Equal(t, now, *stored.ProcessedAt, "losing claim must not overwrite the winner's timestamp")
}

func TestMarkProcessedUnknownRecord(t *testing.T) {
	t.Parallel()

	store := NewStore()

	_, err := store.MarkProcessed(context.Background(), uuid.New(), time.Now())
	require.ErrorIs(t, err, outbox.ErrRecordNotFound)
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	t.Parallel()

	store := NewStore()
	record := insertRecord(t, store)
	next := time.Now().UTC().Add(time.Minute)

	require.NoError(t, store.MarkFailed(context.Background(), record.ID, "broker down", next))

	stored, ok := store.Get(record.ID)
	require.True(t, ok)
	require.Equal(t, 1, stored.RetryCount)
	require.Equal(t, next, *stored.NextRetryAt)
	require.Equal(t, "broker down", stored.ErrorMessage)
	require.False(t, stored.EligibleAt(time.Now().UTC()))
	require.True(t, stored.EligibleAt(next.Add(time.Second)))
}

func TestMarkPermanentlyFailedExcludesFromListDue(t *testing.T) {
	t.Parallel()

	store := NewStore()
	record := insertRecord(t, store)

	require.NoError(t, store.MarkPermanentlyFailed(context.Background(), record.ID, "poison message"))

	due, err := store.ListDue(context.Background(), time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	stored, ok := store.Get(record.ID)
	require.True(t, ok)
	require.True(t, stored.PermanentlyFailed())
	require.Equal(t, "poison message", stored.ErrorMessage)
}

func TestListDueOrdersOldestFirstAndLimits(t *testing.T) {
	t.Parallel()

	store := NewStore()

	first := insertRecord(t, store)
	second := insertRecord(t, store)
	_ = insertRecord(t, store)

	due, err := store.ListDue(context.Background(), time.Now().UTC().Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, first.ID, due[0].ID)
	require.Equal(t, second.ID, due[1].ID)
}
