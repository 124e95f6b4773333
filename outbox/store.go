package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kairospay/subscription-core/persistence"
)

// Store defines persistence for outbox records.
type Store interface {
	// CreateInTx inserts a record inside the caller's open transaction so
	// the record commits or rolls back together with the domain change.
	CreateInTx(ctx context.Context, tx persistence.Tx, record *Record) error

	// ListDue returns records eligible for dispatch at now (unprocessed,
	// retry budget remaining, past any backoff window), oldest first,
	// up to limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	// MarkProcessed records a successful publish. The update is
	// conditional: it claims the record only if it is still unprocessed,
	// and reports whether this caller won the claim. At most one caller
	// ever observes claimed=true for a given record.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) (claimed bool, err error)

	// MarkFailed records a failed publish attempt: increments the retry
	// count, schedules the next attempt, and stores the error message.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error

	// MarkPermanentlyFailed exhausts the record's retry budget so it is
	// excluded from future dispatch, and stores the final error message.
	MarkPermanentlyFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}
