package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kairospay/subscription-core/backoff"
	"github.com/kairospay/subscription-core/log"
	"github.com/kairospay/subscription-core/persistence"
)

const (
	defaultTxMaxAttempts = 3
	defaultTxRetryBase   = 50 * time.Millisecond
)

// Tx wraps an open *sql.Tx as a persistence.Tx. Stores type-assert to
// *Tx and use SQL to enlist their statements.
type Tx struct {
	tx *sql.Tx
}

var _ persistence.Tx = (*Tx)(nil)

// SQL exposes the underlying transaction for store statements.
func (tx *Tx) SQL() *sql.Tx {
	return tx.tx
}

// Commit commits the underlying transaction.
func (tx *Tx) Commit(_ context.Context) error {
	return tx.tx.Commit()
}

// Rollback rolls back the underlying transaction.
func (tx *Tx) Rollback(_ context.Context) error {
	return tx.tx.Rollback()
}

// TxManager implements persistence.TxManager on the primary database.
//
// Transient failures (serialization conflicts, deadlocks, dropped
// connections) are retried with jittered exponential backoff; everything
// else, business errors included, is returned on the first attempt.
type TxManager struct {
	conn        *Connection
	logger      log.Logger
	maxAttempts int
	retryBase   time.Duration
}

var _ persistence.TxManager = (*TxManager)(nil)

// TxManagerOption customizes a TxManager.
type TxManagerOption func(*TxManager) error

// WithTxLogger sets the manager logger.
func WithTxLogger(logger log.Logger) TxManagerOption {
	return func(manager *TxManager) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}

		manager.logger = logger

		return nil
	}
}

// WithTxMaxAttempts sets how many times a transaction is attempted before
// a transient failure is given up on.
func WithTxMaxAttempts(attempts int) TxManagerOption {
	return func(manager *TxManager) error {
		if attempts <= 0 {
			return errors.New("max attempts must be positive")
		}

		manager.maxAttempts = attempts

		return nil
	}
}

// WithTxRetryBase sets the base delay between transaction retries.
func WithTxRetryBase(base time.Duration) TxManagerOption {
	return func(manager *TxManager) error {
		if base <= 0 {
			return errors.New("retry base must be positive")
		}

		manager.retryBase = base

		return nil
	}
}

// NewTxManager creates a transaction manager over the connection hub.
func NewTxManager(conn *Connection, opts ...TxManagerOption) (*TxManager, error) {
	if conn == nil {
		return nil, errors.New("postgres connection is required")
	}

	manager := &TxManager{
		conn:        conn,
		logger:      log.NewNop(),
		maxAttempts: defaultTxMaxAttempts,
		retryBase:   defaultTxRetryBase,
	}

	for _, opt := range opts {
		if err := opt(manager); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// WithinTx implements persistence.TxManager. fn may run more than once on
// transient failures, so it must be safe to re-execute.
func (manager *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	db, err := manager.conn.DB(ctx)
	if err != nil {
		return err
	}

	primaries := db.PrimaryDBs()
	if len(primaries) == 0 {
		return errors.New("no primary database available")
	}

	var lastErr error

	for attempt := 0; attempt < manager.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff.ExponentialWithJitter(manager.retryBase, attempt-1)

			manager.logger.Log(ctx, log.LevelWarn, "retrying transaction after transient failure",
				log.Int("attempt", attempt+1),
				log.Err(lastErr),
			)

			if err := backoff.WaitContext(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = manager.attempt(ctx, primaries[0], fn)
		if lastErr == nil {
			return nil
		}

		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", manager.maxAttempts, lastErr)
}

func (manager *TxManager) attempt(ctx context.Context, db interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}, fn func(ctx context.Context, tx persistence.Tx) error,
) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	tx := &Tx{tx: sqlTx}

	if err := fn(ctx, tx); err != nil {
		if rollbackErr := sqlTx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			manager.logger.Log(ctx, log.LevelWarn, "transaction rollback failed", log.Err(rollbackErr))
		}

		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// IsTransient reports whether the error is worth retrying in a fresh
// transaction: serialization failures, deadlocks, and connection-class
// errors. Business errors never qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}

		// Class 08: connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}

	return false
}
