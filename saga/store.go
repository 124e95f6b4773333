package saga

import (
	"context"

	"github.com/google/uuid"
	"github.com/kairospay/subscription-core/persistence"
)

// Store defines persistence for saga state.
type Store interface {
	// CreateInTx inserts a new instance inside the caller's transaction.
	// A duplicate correlation id fails the transaction with ErrStateExists.
	CreateInTx(ctx context.Context, tx persistence.Tx, state *State) error

	// Get loads the instance or returns ErrStateNotFound.
	Get(ctx context.Context, correlationID uuid.UUID) (*State, error)

	// UpdateInTx persists the instance with a compare-and-swap on
	// expectedVersion. On success the stored version becomes
	// expectedVersion+1; a stale expectedVersion fails the transaction
	// with ErrVersionConflict.
	UpdateInTx(ctx context.Context, tx persistence.Tx, state *State, expectedVersion int64) error
}
