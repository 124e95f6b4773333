// Package memory provides an in-memory subscription store for tests and
// local composition.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kairospay/subscription-core/persistence"
	persistencememory "github.com/kairospay/subscription-core/persistence/memory"
	"github.com/kairospay/subscription-core/subscription"
)

// Store implements subscription.Store over a map. Writes staged through a
// transaction become visible only at commit.
type Store struct {
	mu            sync.RWMutex
	subscriptions map[uuid.UUID]*subscription.Subscription
}

var _ subscription.Store = (*Store)(nil)

// NewStore creates an empty in-memory subscription store.
func NewStore() *Store {
	return &Store{subscriptions: make(map[uuid.UUID]*subscription.Subscription)}
}

// CreateInTx stages an insert; a duplicate id vetoes the transaction.
func (store *Store) CreateInTx(_ context.Context, tx persistence.Tx, sub *subscription.Subscription) error {
	memTx, ok := tx.(*persistencememory.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	staged := clone(sub)

	return memTx.Stage(
		func() error {
			store.mu.RLock()
			defer store.mu.RUnlock()

			if _, exists := store.subscriptions[staged.ID]; exists {
				return subscription.ErrSubscriptionExists
			}

			return nil
		},
		func() {
			store.mu.Lock()
			defer store.mu.Unlock()

			store.subscriptions[staged.ID] = staged
		},
	)
}

// Get returns a copy of the aggregate or subscription.ErrNotFound.
func (store *Store) Get(_ context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	sub, exists := store.subscriptions[id]
	if !exists {
		return nil, subscription.ErrNotFound
	}

	return clone(sub), nil
}

// UpdateInTx stages an update; a missing row vetoes the transaction.
func (store *Store) UpdateInTx(_ context.Context, tx persistence.Tx, sub *subscription.Subscription) error {
	memTx, ok := tx.(*persistencememory.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	staged := clone(sub)

	return memTx.Stage(
		func() error {
			store.mu.RLock()
			defer store.mu.RUnlock()

			if _, exists := store.subscriptions[staged.ID]; !exists {
				return subscription.ErrNotFound
			}

			return nil
		},
		func() {
			store.mu.Lock()
			defer store.mu.Unlock()

			store.subscriptions[staged.ID] = staged
		},
	)
}

func clone(sub *subscription.Subscription) *subscription.Subscription {
	copied := *sub

	if sub.CurrentPeriodStart != nil {
		start := *sub.CurrentPeriodStart
		copied.CurrentPeriodStart = &start
	}

	if sub.CurrentPeriodEnd != nil {
		end := *sub.CurrentPeriodEnd
		copied.CurrentPeriodEnd = &end
	}

	return &copied
}
