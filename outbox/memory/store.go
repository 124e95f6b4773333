// Package memory provides an in-memory outbox store for tests and local
// composition.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kairospay/subscription-core/outbox"
	"github.com/kairospay/subscription-core/persistence"
	persistencememory "github.com/kairospay/subscription-core/persistence/memory"
)

// Store implements outbox.Store over a map. Writes created through
// CreateInTx become visible only when the enclosing transaction commits.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*outbox.Record
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates an empty in-memory outbox store.
func NewStore() *Store {
	return &Store{records: make(map[uuid.UUID]*outbox.Record)}
}

// CreateInTx stages the record on the in-memory transaction. The insert
// applies at commit; a duplicate id vetoes the whole transaction.
func (store *Store) CreateInTx(_ context.Context, tx persistence.Tx, record *outbox.Record) error {
	if record == nil {
		return outbox.ErrRecordRequired
	}

	memTx, ok := tx.(*persistencememory.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	staged := cloneRecord(record)

	return memTx.Stage(
		func() error {
			store.mu.RLock()
			defer store.mu.RUnlock()

			if _, exists := store.records[staged.ID]; exists {
				return fmt.Errorf("outbox record %s already exists", staged.ID)
			}

			return nil
		},
		func() {
			store.mu.Lock()
			defer store.mu.Unlock()

			store.records[staged.ID] = staged
		},
	)
}

// ListDue returns eligible records oldest first, up to limit.
func (store *Store) ListDue(_ context.Context, now time.Time, limit int) ([]*outbox.Record, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	due := make([]*outbox.Record, 0, limit)

	for _, record := range store.records {
		if record.EligibleAt(now) {
			due = append(due, cloneRecord(record))
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// MarkProcessed claims the record if it is still unprocessed.
func (store *Store) MarkProcessed(_ context.Context, id uuid.UUID, processedAt time.Time) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, exists := store.records[id]
	if !exists {
		return false, outbox.ErrRecordNotFound
	}

	if record.Processed() {
		return false, nil
	}

	at := processedAt.UTC()
	record.ProcessedAt = &at

	return true, nil
}

// MarkFailed increments the retry count and schedules the next attempt.
func (store *Store) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, exists := store.records[id]
	if !exists {
		return outbox.ErrRecordNotFound
	}

	next := nextRetryAt.UTC()
	record.RetryCount++
	record.NextRetryAt = &next
	record.ErrorMessage = errMsg

	return nil
}

// MarkPermanentlyFailed exhausts the record's retry budget.
func (store *Store) MarkPermanentlyFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, exists := store.records[id]
	if !exists {
		return outbox.ErrRecordNotFound
	}

	record.RetryCount = record.MaxRetryCount
	record.NextRetryAt = nil
	record.ErrorMessage = errMsg

	return nil
}

// Get returns a copy of the record, for tests.
func (store *Store) Get(id uuid.UUID) (*outbox.Record, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	record, exists := store.records[id]
	if !exists {
		return nil, false
	}

	return cloneRecord(record), true
}

// Len returns the number of stored records.
func (store *Store) Len() int {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return len(store.records)
}

func cloneRecord(record *outbox.Record) *outbox.Record {
	clone := *record

	clone.Payload = append([]byte(nil), record.Payload...)

	if record.ProcessedAt != nil {
		processedAt := *record.ProcessedAt
		clone.ProcessedAt = &processedAt
	}

	if record.NextRetryAt != nil {
		nextRetryAt := *record.NextRetryAt
		clone.NextRetryAt = &nextRetryAt
	}

	return &clone
}
