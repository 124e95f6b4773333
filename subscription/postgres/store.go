// Package postgres implements the subscription store on the shared
// postgres hub.
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
	"github.com/kairospay/subscription-core/subscription"
)

const uniqueViolation = "23505"

// Store implements subscription.Store over the subscriptions table.
type Store struct {
	conn *postgres.Connection
}

var _ subscription.Store = (*Store)(nil)

// NewStore creates a postgres subscription store.
func NewStore(conn *postgres.Connection) (*Store, error) {
	if conn == nil {
		return nil, errors.New("postgres connection is required")
	}

	return &Store{conn: conn}, nil
}

// CreateInTx inserts the aggregate inside the caller's transaction.
func (store *Store) CreateInTx(ctx context.Context, tx persistence.Tx, sub *subscription.Subscription) error {
	pgTx, ok := tx.(*postgres.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	const query = `
		INSERT INTO subscriptions (
			id, customer_id, plan_code, amount, currency, status,
			current_period_start, current_period_end, cancel_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := pgTx.SQL().ExecContext(ctx, query,
		sub.ID,
		sub.CustomerID,
		sub.PlanCode,
		sub.Amount,
		sub.Currency,
		string(sub.Status),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelReason,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return subscription.ErrSubscriptionExists
		}

		return fmt.Errorf("insert subscription %s: %w", sub.ID, err)
	}

	return nil
}

// Get loads the aggregate or returns subscription.ErrNotFound.
func (store *Store) Get(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	db, err := store.conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT id, customer_id, plan_code, amount, currency, status,
		       current_period_start, current_period_end, cancel_reason, created_at, updated_at
		  FROM subscriptions
		 WHERE id = $1`

	var (
		sub         subscription.Subscription
		status      string
		periodStart sql.NullTime
		periodEnd   sql.NullTime
	)

	err = db.QueryRowContext(ctx, query, id).Scan(
		&sub.ID,
		&sub.CustomerID,
		&sub.PlanCode,
		&sub.Amount,
		&sub.Currency,
		&status,
		&periodStart,
		&periodEnd,
		&sub.CancelReason,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, subscription.ErrNotFound
		}

		return nil, fmt.Errorf("load subscription %s: %w", id, err)
	}

	sub.Status = subscription.Status(status)

	if periodStart.Valid {
		start := periodStart.Time.UTC()
		sub.CurrentPeriodStart = &start
	}

	if periodEnd.Valid {
		end := periodEnd.Time.UTC()
		sub.CurrentPeriodEnd = &end
	}

	return &sub, nil
}

// UpdateInTx persists the aggregate's current state.
func (store *Store) UpdateInTx(ctx context.Context, tx persistence.Tx, sub *subscription.Subscription) error {
	pgTx, ok := tx.(*postgres.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	const query = `
		UPDATE subscriptions
		   SET status = $2,
		       current_period_start = $3,
		       current_period_end = $4,
		       cancel_reason = $5,
		       updated_at = $6
		 WHERE id = $1`

	result, err := pgTx.SQL().ExecContext(ctx, query,
		sub.ID,
		string(sub.Status),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelReason,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}

	if affected == 0 {
		return subscription.ErrNotFound
	}

	return nil
}
