// Package memory provides an in-memory TxManager for tests and local
// composition.
//
// A transaction collects staged operations in two phases: checks run first
// and may veto the commit (for example an optimistic-concurrency conflict);
// applies run only after every check passed, so a failed transaction leaves
// no partial state behind.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/kairospay/subscription-core/persistence"
)

// ErrTxFinished is returned when a finished transaction is used again.
var ErrTxFinished = errors.New("transaction already committed or rolled back")

// Manager implements persistence.TxManager over process memory. One global
// mutex serializes commits, which is enough for test workloads.
type Manager struct {
	mu sync.Mutex
}

var _ persistence.TxManager = (*Manager)(nil)

// NewManager creates an in-memory transaction manager.
func NewManager() *Manager {
	return &Manager{}
}

// WithinTx implements persistence.TxManager. fn stages operations on the
// provided *Tx; they are applied atomically when fn returns nil.
func (manager *Manager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &Tx{}

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)

		return err
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()

	return tx.Commit(ctx)
}

// Tx buffers staged operations until commit.
type Tx struct {
	mu       sync.Mutex
	checks   []func() error
	applies  []func()
	finished bool
}

var _ persistence.Tx = (*Tx)(nil)

// Stage enlists an operation. check may be nil; apply must not be nil.
// Checks run at commit time under the manager lock, before any apply runs.
func (tx *Tx) Stage(check func() error, apply func()) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.finished {
		return ErrTxFinished
	}

	if check != nil {
		tx.checks = append(tx.checks, check)
	}

	tx.applies = append(tx.applies, apply)

	return nil
}

// Commit runs all checks and, if none fail, all applies.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.finished {
		return ErrTxFinished
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	for _, check := range tx.checks {
		if err := check(); err != nil {
			tx.finished = true

			return err
		}
	}

	for _, apply := range tx.applies {
		apply()
	}

	tx.finished = true

	return nil
}

// Rollback discards all staged operations.
func (tx *Tx) Rollback(_ context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.finished = true
	tx.checks = nil
	tx.applies = nil

	return nil
}
