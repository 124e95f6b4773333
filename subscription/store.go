package subscription

import (
	"context"

	"github.com/google/uuid"
	"github.com/kairospay/subscription-core/persistence"
)

// Store defines persistence for subscription aggregates.
type Store interface {
	// CreateInTx inserts the aggregate inside the caller's transaction.
	// A duplicate id fails the transaction with ErrSubscriptionExists.
	CreateInTx(ctx context.Context, tx persistence.Tx, sub *Subscription) error

	// Get loads the aggregate or returns ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// UpdateInTx persists the aggregate's current state inside the
	// caller's transaction. The target row must exist.
	UpdateInTx(ctx context.Context, tx persistence.Tx, sub *Subscription) error
}
