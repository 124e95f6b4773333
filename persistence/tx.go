// Package persistence defines the transactional boundary consumed by the
// unit of work and the stores.
//
// Implementations own begin/commit/rollback and any transparent retry of
// transient infrastructure failures. Business errors (not-found, version
// conflicts) pass through unchanged.
package persistence

import (
	"context"
	"errors"
)

// ErrTxMismatch is returned by a store handed a Tx from a different
// persistence backend.
var ErrTxMismatch = errors.New("transaction does not belong to this store's backend")

// Tx is an open transaction. Stores type-assert it to their backend's
// concrete transaction to enlist writes.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxManager runs a function inside one transaction. If fn returns nil the
// transaction commits; otherwise it rolls back and the error is returned.
//
// Implementations may transparently re-run fn on transient infrastructure
// errors, so fn must be safe to execute more than once.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
