// Package postgres implements the saga state store on the shared postgres
// hub with compare-and-swap versioning.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kairospay/subscription-core/persistence"
	"github.com/kairospay/subscription-core/postgres"
	"github.com/kairospay/subscription-core/saga"
)

const uniqueViolation = "23505"

// Store implements saga.Store over the saga_states table.
type Store struct {
	conn *postgres.Connection
}

var _ saga.Store = (*Store)(nil)

// NewStore creates a postgres saga store.
func NewStore(conn *postgres.Connection) (*Store, error) {
	if conn == nil {
		return nil, errors.New("postgres connection is required")
	}

	return &Store{conn: conn}, nil
}

// CreateInTx inserts a new instance. A duplicate correlation id surfaces
// as saga.ErrStateExists so a concurrent duplicate start loses cleanly.
func (store *Store) CreateInTx(ctx context.Context, tx persistence.Tx, state *saga.State) error {
	pgTx, ok := tx.(*postgres.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	const query = `
		INSERT INTO saga_states (
			correlation_id, version, status, plan_code, amount, currency,
			payment_reference, started_at, confirmed_at, finalized_at, failure_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := pgTx.SQL().ExecContext(ctx, query,
		state.CorrelationID,
		state.Version,
		string(state.Status),
		state.PlanCode,
		state.Amount,
		state.Currency,
		state.PaymentReference,
		state.StartedAt,
		state.ConfirmedAt,
		state.FinalizedAt,
		state.FailureReason,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return saga.ErrStateExists
		}

		return fmt.Errorf("insert saga state %s: %w", state.CorrelationID, err)
	}

	return nil
}

// Get loads the instance or returns saga.ErrStateNotFound.
func (store *Store) Get(ctx context.Context, correlationID uuid.UUID) (*saga.State, error) {
	db, err := store.conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT correlation_id, version, status, plan_code, amount, currency,
		       payment_reference, started_at, confirmed_at, finalized_at, failure_reason
		  FROM saga_states
		 WHERE correlation_id = $1`

	var (
		state       saga.State
		status      string
		confirmedAt sql.NullTime
		finalizedAt sql.NullTime
	)

	err = db.QueryRowContext(ctx, query, correlationID).Scan(
		&state.CorrelationID,
		&state.Version,
		&status,
		&state.PlanCode,
		&state.Amount,
		&state.Currency,
		&state.PaymentReference,
		&state.StartedAt,
		&confirmedAt,
		&finalizedAt,
		&state.FailureReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrStateNotFound
		}

		return nil, fmt.Errorf("load saga state %s: %w", correlationID, err)
	}

	state.Status = saga.Status(status)

	if confirmedAt.Valid {
		at := confirmedAt.Time.UTC()
		state.ConfirmedAt = &at
	}

	if finalizedAt.Valid {
		at := finalizedAt.Time.UTC()
		state.FinalizedAt = &at
	}

	return &state, nil
}

// UpdateInTx persists the instance with a compare-and-swap on the version
// column. A stale expectedVersion fails the transaction with
// saga.ErrVersionConflict, which vetoes the whole unit of work.
func (store *Store) UpdateInTx(ctx context.Context, tx persistence.Tx, state *saga.State, expectedVersion int64) error {
	pgTx, ok := tx.(*postgres.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	const query = `
		UPDATE saga_states
		   SET version = $2 + 1,
		       status = $3,
		       payment_reference = $4,
		       confirmed_at = $5,
		       finalized_at = $6,
		       failure_reason = $7
		 WHERE correlation_id = $1
		   AND version = $2`

	result, err := pgTx.SQL().ExecContext(ctx, query,
		state.CorrelationID,
		expectedVersion,
		string(state.Status),
		state.PaymentReference,
		state.ConfirmedAt,
		state.FinalizedAt,
		state.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("update saga state %s: %w", state.CorrelationID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga state %s: %w", state.CorrelationID, err)
	}

	if affected == 0 {
		var exists bool

		err := pgTx.SQL().QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM saga_states WHERE correlation_id = $1)`,
			state.CorrelationID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check saga state %s: %w", state.CorrelationID, err)
		}

		if !exists {
			return saga.ErrStateNotFound
		}

		return saga.ErrVersionConflict
	}

	state.Version = expectedVersion + 1

	return nil
}
