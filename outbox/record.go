package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kairospay/subscription-core/messaging"
)

// DefaultMaxRetryCount is the retry budget for records created without an
// explicit override.
const DefaultMaxRetryCount = 10

// Record is the durable outbox row for one undelivered message.
//
// Lifecycle: created in the same transaction as the domain change that
// caused it; mutated only by marking processed, failed, or permanently
// failed; never deleted by this module (archival is an external concern).
//
// State is derived, not stored: a record is processed iff ProcessedAt is
// set, and permanently failed iff it is unprocessed with RetryCount at
// MaxRetryCount.
type Record struct {
	ID            uuid.UUID
	EventType     string
	AggregateID   uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	MaxRetryCount int
	NextRetryAt   *time.Time
	ErrorMessage  string
}

// NewRecord wraps an envelope into an outbox record. The record reuses the
// envelope id, so the message id stays stable across the eager-publish path
// and the dispatcher path.
func NewRecord(envelope messaging.Envelope, maxRetryCount int) (*Record, error) {
	if err := envelope.Validate(); err != nil {
		return nil, fmt.Errorf("outbox record: %w", err)
	}

	if maxRetryCount <= 0 {
		maxRetryCount = DefaultMaxRetryCount
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("outbox record payload: %w", err)
	}

	return &Record{
		ID:            envelope.ID,
		EventType:     envelope.EventType,
		AggregateID:   envelope.AggregateID,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		MaxRetryCount: maxRetryCount,
	}, nil
}

// Processed reports whether the record was successfully published.
func (record *Record) Processed() bool {
	return record.ProcessedAt != nil
}

// PermanentlyFailed reports whether the retry budget is exhausted. Such
// records are excluded from dispatch and require operator attention.
func (record *Record) PermanentlyFailed() bool {
	return !record.Processed() && record.RetryCount >= record.MaxRetryCount
}

// EligibleAt reports whether the record is due for dispatch at the given
// instant: unprocessed, retry budget remaining, and past any backoff window.
func (record *Record) EligibleAt(now time.Time) bool {
	if record.Processed() || record.PermanentlyFailed() {
		return false
	}

	return record.NextRetryAt == nil || !record.NextRetryAt.After(now)
}
