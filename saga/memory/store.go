// Package memory provides an in-memory saga state store for tests and
// local composition.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kairospay/subscription-core/persistence"
	persistencememory "github.com/kairospay/subscription-core/persistence/memory"
	"github.com/kairospay/subscription-core/saga"
)

// Store implements saga.Store over a map with the same optimistic
// concurrency semantics as the postgres store: updates compare-and-swap on
// the version and veto the enclosing transaction on a stale write.
type Store struct {
	mu     sync.RWMutex
	states map[uuid.UUID]*saga.State
}

var _ saga.Store = (*Store)(nil)

// NewStore creates an empty in-memory saga store.
func NewStore() *Store {
	return &Store{states: make(map[uuid.UUID]*saga.State)}
}

// CreateInTx stages an insert; a duplicate correlation id vetoes the
// transaction with saga.ErrStateExists.
func (store *Store) CreateInTx(_ context.Context, tx persistence.Tx, state *saga.State) error {
	memTx, ok := tx.(*persistencememory.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	staged := clone(state)

	return memTx.Stage(
		func() error {
			store.mu.RLock()
			defer store.mu.RUnlock()

			if _, exists := store.states[staged.CorrelationID]; exists {
				return saga.ErrStateExists
			}

			return nil
		},
		func() {
			store.mu.Lock()
			defer store.mu.Unlock()

			store.states[staged.CorrelationID] = staged
		},
	)
}

// Get returns a copy of the instance or saga.ErrStateNotFound.
func (store *Store) Get(_ context.Context, correlationID uuid.UUID) (*saga.State, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	state, exists := store.states[correlationID]
	if !exists {
		return nil, saga.ErrStateNotFound
	}

	return clone(state), nil
}

// UpdateInTx stages a compare-and-swap update. A stale expectedVersion
// vetoes the transaction with saga.ErrVersionConflict.
func (store *Store) UpdateInTx(_ context.Context, tx persistence.Tx, state *saga.State, expectedVersion int64) error {
	memTx, ok := tx.(*persistencememory.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	staged := clone(state)
	staged.Version = expectedVersion + 1

	return memTx.Stage(
		func() error {
			store.mu.RLock()
			defer store.mu.RUnlock()

			current, exists := store.states[staged.CorrelationID]
			if !exists {
				return saga.ErrStateNotFound
			}

			if current.Version != expectedVersion {
				return saga.ErrVersionConflict
			}

			return nil
		},
		func() {
			store.mu.Lock()
			defer store.mu.Unlock()

			store.states[staged.CorrelationID] = staged
		},
	)
}

func clone(state *saga.State) *saga.State {
	copied := *state

	if state.ConfirmedAt != nil {
		confirmedAt := *state.ConfirmedAt
		copied.ConfirmedAt = &confirmedAt
	}

	if state.FinalizedAt != nil {
		finalizedAt := *state.FinalizedAt
		copied.FinalizedAt = &finalizedAt
	}

	return &copied
}
