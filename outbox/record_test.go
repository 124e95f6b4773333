//go:build unit

package outbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kairospay/subscription-core/messaging"
)

func testEnvelope(t *testing.T) messaging.Envelope {
	t.Helper()

	envelope, err := messaging.NewEnvelope("test.created.v1", "tests", uuid.New(), map[string]string{"key": "value"})
	require.NoError(t, err)

	return envelope
}

func TestNewRecordReusesEnvelopeID(t *testing.T) {
	t.Parallel()

	envelope := testEnvelope(t)

	record, err := NewRecord(envelope, 5)
	require.NoError(t, err)

	require.Equal(t, envelope.ID, record.ID)
	require.Equal(t, envelope.EventType, record.EventType)
	require.Equal(t, envelope.AggregateID, record.AggregateID)
	require.Equal(t, 5, record.MaxRetryCount)
	require.False(t, record.Processed())
	require.NotEmpty(t, record.Payload)
}

func TestNewRecordDefaultsRetryBudget(t *testing.T) {
	t.Parallel()

	record, err := NewRecord(testEnvelope(t), 0)
	require.NoError(t, err)

	require.Equal(t, DefaultMaxRetryCount, record.MaxRetryCount)
}

func TestNewRecordRejectsInvalidEnvelope(t *testing.T) {
	t.Parallel()

	_, err := NewRecord(messaging.Envelope{}, 5)
	require.Error(t, err)
}

func TestRecordPermanentlyFailed(t *testing.T) {
	t.Parallel()

	record, err := NewRecord(testEnvelope(t), 3)
	require.NoError(t, err)

	require.False(t, record.PermanentlyFailed())

	record.RetryCount = 3
	require.True(t, record.PermanentlyFailed())

	// A processed record is never permanently failed, whatever the count.
	now := time.Now().UTC()
	record.ProcessedAt = &now
	require.False(t, record.PermanentlyFailed())
}

func TestRecordEligibility(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	record, err := NewRecord(testEnvelope(t), 3)
	require.NoError(t, err)

	require.True(t, record.EligibleAt(now), "fresh record is due immediately")

	future := now.Add(time.Minute)
	record.NextRetryAt = &future
	require.False(t, record.EligibleAt(now), "backoff window excludes the record")
	require.True(t, record.EligibleAt(future), "due exactly at next retry")

	record.NextRetryAt = nil
	record.RetryCount = 3
	require.False(t, record.EligibleAt(now), "exhausted budget excludes the record")

	record.RetryCount = 0
	record.ProcessedAt = &now
	require.False(t, record.EligibleAt(now), "processed record is never due")
}
