//go:build unit

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kairospay/subscription-core/persistence"
)

func TestCommitAppliesAllStagedOperations(t *testing.T) {
	t.Parallel()

	manager := NewManager()

	var first, second bool

	err := manager.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		memTx := tx.(*Tx)

		if err := memTx.Stage(nil, func() { first = true }); err != nil {
			return err
		}

		return memTx.Stage(nil, func() { second = true })
	})
	require.NoError(t, err)
	require.True(t, first)
	require.True(t, second)
}

func TestNoApplyRunsBeforeCommit(t *testing.T) {
	t.Parallel()

	manager := NewManager()

	var applied bool

	err := manager.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		memTx := tx.(*Tx)

		if err := memTx.Stage(nil, func() { applied = true }); err != nil {
			return err
		}

		require.False(t, applied, "applies are deferred to commit")

		return nil
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestFailedCheckVetoesEveryApply(t *testing.T) {
	t.Parallel()

	manager := NewManager()
	veto := errors.New("conflict")

	var applied bool

	err := manager.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		memTx := tx.(*Tx)

		if err := memTx.Stage(nil, func() { applied = true }); err != nil {
			return err
		}

		return memTx.Stage(func() error { return veto }, func() { applied = true })
	})
	require.ErrorIs(t, err, veto)
	require.False(t, applied, "a single failed check must leave no partial state")
}

func TestFnErrorRollsBack(t *testing.T) {
	t.Parallel()

	manager := NewManager()
	boom := errors.New("boom")

	var applied bool

	err := manager.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		memTx := tx.(*Tx)

		if err := memTx.Stage(nil, func() { applied = true }); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, applied)
}

func TestFinishedTxRejectsFurtherUse(t *testing.T) {
	t.Parallel()

	tx := &Tx{}
	require.NoError(t, tx.Commit(context.Background()))

	require.ErrorIs(t, tx.Stage(nil, func() {}), ErrTxFinished)
	require.ErrorIs(t, tx.Commit(context.Background()), ErrTxFinished)
}

func TestCancelledContextAbortsTransaction(t *testing.T) {
	t.Parallel()

	manager := NewManager()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := manager.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		t.Error("fn must not run after cancellation")

		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
