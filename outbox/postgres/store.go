// Package postgres implements the outbox store on the shared postgres hub.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kairospay/subscription-core/outbox"
	"github.com/kairospay/subscription-core/persistence"
	"github.com/kairospay/subscription-core/postgres"
)

// Store implements outbox.Store over the outbox_records table. The
// conditional single-statement updates rely on postgres row locking, so no
// explicit locks are taken.
type Store struct {
	conn *postgres.Connection
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a postgres outbox store.
func NewStore(conn *postgres.Connection) (*Store, error) {
	if conn == nil {
		return nil, errors.New("postgres connection is required")
	}

	return &Store{conn: conn}, nil
}

// CreateInTx inserts the record inside the caller's open transaction.
func (store *Store) CreateInTx(ctx context.Context, tx persistence.Tx, record *outbox.Record) error {
	if record == nil {
		return outbox.ErrRecordRequired
	}

	pgTx, ok := tx.(*postgres.Tx)
	if !ok {
		return persistence.ErrTxMismatch
	}

	const query = `
		INSERT INTO outbox_records (
			id, event_type, aggregate_id, payload, created_at,
			processed_at, retry_count, max_retry_count, next_retry_at, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := pgTx.SQL().ExecContext(ctx, query,
		record.ID,
		record.EventType,
		record.AggregateID,
		record.Payload,
		record.CreatedAt,
		record.ProcessedAt,
		record.RetryCount,
		record.MaxRetryCount,
		record.NextRetryAt,
		record.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert outbox record %s: %w", record.ID, err)
	}

	return nil
}

// ListDue returns eligible records oldest first, up to limit.
func (store *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*outbox.Record, error) {
	db, err := store.conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT id, event_type, aggregate_id, payload, created_at,
		       processed_at, retry_count, max_retry_count, next_retry_at, error_message
		  FROM outbox_records
		 WHERE processed_at IS NULL
		   AND retry_count < max_retry_count
		   AND (next_retry_at IS NULL OR next_retry_at <= $1)
		 ORDER BY created_at ASC
		 LIMIT $2`

	rows, err := db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due outbox records: %w", err)
	}
	defer rows.Close()

	var records []*outbox.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due outbox records: %w", err)
	}

	return records, nil
}

// MarkProcessed claims the record if it is still unprocessed.
func (store *Store) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) (bool, error) {
	db, err := store.conn.DB(ctx)
	if err != nil {
		return false, err
	}

	const query = `
		UPDATE outbox_records
		   SET processed_at = $2
		 WHERE id = $1
		   AND processed_at IS NULL`

	result, err := db.ExecContext(ctx, query, id, processedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("mark outbox record %s processed: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark outbox record %s processed: %w", id, err)
	}

	if affected == 0 {
		return false, store.requireExists(ctx, id)
	}

	return true, nil
}

// MarkFailed increments the retry count and schedules the next attempt. A
// record that was claimed processed in the meantime is left untouched.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	db, err := store.conn.DB(ctx)
	if err != nil {
		return err
	}

	const query = `
		UPDATE outbox_records
		   SET retry_count = retry_count + 1,
		       next_retry_at = $3,
		       error_message = $2
		 WHERE id = $1
		   AND processed_at IS NULL`

	result, err := db.ExecContext(ctx, query, id, errMsg, nextRetryAt.UTC())
	if err != nil {
		return fmt.Errorf("mark outbox record %s failed: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox record %s failed: %w", id, err)
	}

	if affected == 0 {
		return store.requireExists(ctx, id)
	}

	return nil
}

// MarkPermanentlyFailed exhausts the record's retry budget.
func (store *Store) MarkPermanentlyFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	db, err := store.conn.DB(ctx)
	if err != nil {
		return err
	}

	const query = `
		UPDATE outbox_records
		   SET retry_count = max_retry_count,
		       next_retry_at = NULL,
		       error_message = $2
		 WHERE id = $1
		   AND processed_at IS NULL`

	result, err := db.ExecContext(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark outbox record %s permanently failed: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox record %s permanently failed: %w", id, err)
	}

	if affected == 0 {
		return store.requireExists(ctx, id)
	}

	return nil
}

// requireExists distinguishes "row missing" from "row already processed"
// after a conditional update touched nothing.
func (store *Store) requireExists(ctx context.Context, id uuid.UUID) error {
	db, err := store.conn.DB(ctx)
	if err != nil {
		return err
	}

	var exists bool

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM outbox_records WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check outbox record %s: %w", id, err)
	}

	if !exists {
		return outbox.ErrRecordNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*outbox.Record, error) {
	var (
		record      outbox.Record
		processedAt sql.NullTime
		nextRetryAt sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&record.EventType,
		&record.AggregateID,
		&record.Payload,
		&record.CreatedAt,
		&processedAt,
		&record.RetryCount,
		&record.MaxRetryCount,
		&nextRetryAt,
		&record.ErrorMessage,
	)
	if err != nil {
		return nil, fmt.Errorf("scan outbox record: %w", err)
	}

	if processedAt.Valid {
		at := processedAt.Time.UTC()
		record.ProcessedAt = &at
	}

	if nextRetryAt.Valid {
		at := nextRetryAt.Time.UTC()
		record.NextRetryAt = &at
	}

	return &record, nil
}
