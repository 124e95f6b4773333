// Package unitofwork commits domain changes and their outgoing messages
// atomically.
//
// Staged changes and staged events go into one database transaction; the
// events are written as outbox records. After commit the unit of work
// eagerly publishes the events and conditionally marks their records
// processed. The eager publish is best effort only: any failure on that
// path is logged and left for the outbox dispatcher, never surfaced to the
// caller, because the state change is already durable.
package unitofwork

import (
	"context"
	"errors"
	"time"

	"github.com/kairospay/subscription-core/log"
	"github.com/kairospay/subscription-core/messaging"
	"github.com/kairospay/subscription-core/outbox"
	"github.com/kairospay/subscription-core/persistence"
)

var (
	ErrTxManagerRequired   = errors.New("transaction manager is required")
	ErrOutboxStoreRequired = errors.New("outbox store is required")
	ErrChangeRequired      = errors.New("staged change is required")
	ErrAlreadyCommitted    = errors.New("unit of work already committed")
)

// DefaultPublishTimeout bounds the post-commit eager publish of one event.
const DefaultPublishTimeout = 5 * time.Second

// Manager builds units of work over a shared transaction manager, outbox
// store, and bus.
type Manager struct {
	txManager      persistence.TxManager
	outboxStore    outbox.Store
	bus            messaging.Bus
	logger         log.Logger
	maxRetryCount  int
	publishTimeout time.Duration
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager) error

// WithLogger sets the logger used for eager-publish outcomes.
func WithLogger(logger log.Logger) ManagerOption {
	return func(manager *Manager) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}

		manager.logger = logger

		return nil
	}
}

// WithMaxRetryCount sets the retry budget stamped on created outbox
// records.
func WithMaxRetryCount(count int) ManagerOption {
	return func(manager *Manager) error {
		if count <= 0 {
			return errors.New("max retry count must be positive")
		}

		manager.maxRetryCount = count

		return nil
	}
}

// WithPublishTimeout bounds the eager publish of one event after commit.
func WithPublishTimeout(timeout time.Duration) ManagerOption {
	return func(manager *Manager) error {
		if timeout <= 0 {
			return errors.New("publish timeout must be positive")
		}

		manager.publishTimeout = timeout

		return nil
	}
}

// NewManager creates a unit of work manager. bus may be nil, in which case
// eager publishing is skipped and delivery relies on the dispatcher alone.
func NewManager(txManager persistence.TxManager, outboxStore outbox.Store, bus messaging.Bus, opts ...ManagerOption) (*Manager, error) {
	if txManager == nil {
		return nil, ErrTxManagerRequired
	}

	if outboxStore == nil {
		return nil, ErrOutboxStoreRequired
	}

	manager := &Manager{
		txManager:      txManager,
		outboxStore:    outboxStore,
		bus:            bus,
		logger:         log.NewNop(),
		maxRetryCount:  outbox.DefaultMaxRetryCount,
		publishTimeout: DefaultPublishTimeout,
	}

	for _, opt := range opts {
		if err := opt(manager); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// Begin starts an empty unit of work.
func (manager *Manager) Begin() *UnitOfWork {
	return &UnitOfWork{manager: manager}
}

// UnitOfWork accumulates changes and events for one atomic commit. It is
// not safe for concurrent use; each operation builds its own.
type UnitOfWork struct {
	manager   *Manager
	changes   []func(ctx context.Context, tx persistence.Tx) error
	events    []messaging.Envelope
	committed bool
}

// StageChange enlists a domain write. The function runs inside the commit
// transaction and may run more than once if the transaction is retried.
func (uow *UnitOfWork) StageChange(change func(ctx context.Context, tx persistence.Tx) error) error {
	if change == nil {
		return ErrChangeRequired
	}

	if uow.committed {
		return ErrAlreadyCommitted
	}

	uow.changes = append(uow.changes, change)

	return nil
}

// StageEvent enlists an envelope for delivery. At commit it becomes an
// outbox record in the same transaction as the staged changes.
func (uow *UnitOfWork) StageEvent(envelope messaging.Envelope) error {
	if uow.committed {
		return ErrAlreadyCommitted
	}

	if err := envelope.Validate(); err != nil {
		return err
	}

	uow.events = append(uow.events, envelope)

	return nil
}

// Commit runs all staged changes and writes all staged events as outbox
// records in one transaction. On success it eagerly publishes the events;
// eager-publish failures are logged, not returned. Commit may be called
// once; any error leaves nothing applied and the unit of work reusable for
// a retry by the caller.
func (uow *UnitOfWork) Commit(ctx context.Context) error {
	if uow.committed {
		return ErrAlreadyCommitted
	}

	records := make([]*outbox.Record, 0, len(uow.events))

	for _, envelope := range uow.events {
		record, err := outbox.NewRecord(envelope, uow.manager.maxRetryCount)
		if err != nil {
			return err
		}

		records = append(records, record)
	}

	err := uow.manager.txManager.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		for _, change := range uow.changes {
			if err := change(ctx, tx); err != nil {
				return err
			}
		}

		for _, record := range records {
			if err := uow.manager.outboxStore.CreateInTx(ctx, tx, record); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	uow.committed = true

	uow.publishEagerly(ctx, records)

	return nil
}

func (uow *UnitOfWork) publishEagerly(ctx context.Context, records []*outbox.Record) {
	if uow.manager.bus == nil {
		return
	}

	for index, record := range records {
		envelope := uow.events[index]

		publishCtx, cancel := context.WithTimeout(ctx, uow.manager.publishTimeout)
		err := uow.manager.bus.Publish(publishCtx, envelope)
		cancel()

		if err != nil {
			// Durable already; the dispatcher picks it up.
			uow.manager.logger.Log(ctx, log.LevelWarn, "eager publish failed, deferred to dispatcher",
				log.String("record_id", record.ID.String()),
				log.String("event_type", record.EventType),
				log.Err(err),
			)

			continue
		}

		claimed, err := uow.manager.outboxStore.MarkProcessed(ctx, record.ID, time.Now().UTC())
		if err != nil {
			uow.manager.logger.Log(ctx, log.LevelWarn, "eager mark processed failed, dispatcher may republish",
				log.String("record_id", record.ID.String()),
				log.Err(err),
			)

			continue
		}

		if !claimed {
			uow.manager.logger.Log(ctx, log.LevelDebug, "outbox record already claimed by dispatcher",
				log.String("record_id", record.ID.String()),
			)
		}
	}
}
