package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/kairospay/subscription-core/log"
	"github.com/kairospay/subscription-core/messaging"
	"github.com/kairospay/subscription-core/persistence"
	"github.com/kairospay/subscription-core/unitofwork"
)

// DefaultBillingPeriod is the period length stamped on activations when no
// other length is configured.
const DefaultBillingPeriod = 30 * 24 * time.Hour

// Service owns the subscription aggregate: it registers new subscriptions
// and consumes the saga's Activate and Cancel commands.
//
// Both command handlers are idempotent, so the service is safe behind an
// at-least-once bus regardless of duplication or reordering within one
// subscription id.
type Service struct {
	store  Store
	uow    *unitofwork.Manager
	logger log.Logger
	tracer trace.Tracer
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service) error

// WithLogger sets the service logger.
func WithLogger(logger log.Logger) ServiceOption {
	return func(service *Service) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}

		service.logger = logger

		return nil
	}
}

// WithTracer sets the tracer wrapped around each operation.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(service *Service) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}

		service.tracer = tracer

		return nil
	}
}

// NewService creates the subscription service.
func NewService(store Store, uow *unitofwork.Manager, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if uow == nil {
		return nil, ErrUnitOfWorkRequired
	}

	service := &Service{
		store:  store,
		uow:    uow,
		logger: log.NewNop(),
		tracer: tracenoop.NewTracerProvider().Tracer("subscription"),
	}

	for _, opt := range opts {
		if err := opt(service); err != nil {
			return nil, err
		}
	}

	return service, nil
}

// RegisterHandlers subscribes the command consumers on the bus.
func (service *Service) RegisterHandlers(bus messaging.Bus) error {
	if err := bus.Subscribe(CommandActivate, service.HandleActivate); err != nil {
		return fmt.Errorf("subscribe %s: %w", CommandActivate, err)
	}

	if err := bus.Subscribe(CommandCancel, service.HandleCancel); err != nil {
		return fmt.Errorf("subscribe %s: %w", CommandCancel, err)
	}

	return nil
}

// RegisterInput carries the fields of a registration request.
type RegisterInput struct {
	SubscriptionID uuid.UUID
	CustomerID     uuid.UUID
	PlanCode       string
	Amount         decimal.Decimal
	Currency       string
}

// Register creates a pending subscription and publishes the saga-start
// event through the outbox. The aggregate stays pending until the saga
// drives it to active or canceled.
func (service *Service) Register(ctx context.Context, input RegisterInput) (*Subscription, error) {
	ctx, span := service.tracer.Start(ctx, "subscription.register")
	defer span.End()

	id := input.SubscriptionID
	if id == uuid.Nil {
		id = uuid.New()
	}

	sub, err := New(id, input.CustomerID, input.PlanCode, input.Amount, input.Currency)
	if err != nil {
		return nil, err
	}

	envelope, err := NewRegisteredEnvelope(sub)
	if err != nil {
		return nil, err
	}

	uow := service.uow.Begin()

	if err := uow.StageChange(func(ctx context.Context, tx persistence.Tx) error {
		return service.store.CreateInTx(ctx, tx, sub)
	}); err != nil {
		return nil, err
	}

	if err := uow.StageEvent(envelope); err != nil {
		return nil, err
	}

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}

	service.logger.Log(ctx, log.LevelInfo, "subscription registered",
		log.String("subscription_id", sub.ID.String()),
		log.String("plan_code", sub.PlanCode),
	)

	return sub, nil
}

// HandleActivate applies the saga's Activate command. An already active
// subscription is a successful no-op; a missing aggregate is returned as
// an error so the bus redelivers.
func (service *Service) HandleActivate(ctx context.Context, envelope messaging.Envelope) error {
	ctx, span := service.tracer.Start(ctx, "subscription.handle_activate")
	defer span.End()

	var command ActivateCommand
	if err := envelope.DecodePayload(&command); err != nil {
		return fmt.Errorf("decode activate command: %w", err)
	}

	sub, err := service.store.Get(ctx, command.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", command.SubscriptionID, err)
	}

	changed, err := sub.Activate(command.PeriodStart, command.PeriodEnd)
	if err != nil {
		return fmt.Errorf("activate subscription %s: %w", sub.ID, err)
	}

	if !changed {
		service.logger.Log(ctx, log.LevelInfo, "subscription already active, command ignored",
			log.String("subscription_id", sub.ID.String()),
		)

		return nil
	}

	fact, err := NewActivatedEnvelope(sub)
	if err != nil {
		return err
	}

	if err := service.commitAggregate(ctx, sub, fact); err != nil {
		return err
	}

	service.logger.Log(ctx, log.LevelInfo, "subscription activated",
		log.String("subscription_id", sub.ID.String()),
	)

	return nil
}

// HandleCancel applies the saga's Cancel command. An already canceled
// subscription or a missing aggregate is a successful no-op; compensation
// may race registration cleanup.
func (service *Service) HandleCancel(ctx context.Context, envelope messaging.Envelope) error {
	ctx, span := service.tracer.Start(ctx, "subscription.handle_cancel")
	defer span.End()

	var command CancelCommand
	if err := envelope.DecodePayload(&command); err != nil {
		return fmt.Errorf("decode cancel command: %w", err)
	}

	sub, err := service.store.Get(ctx, command.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			service.logger.Log(ctx, log.LevelWarn, "cancel for unknown subscription ignored",
				log.String("subscription_id", command.SubscriptionID.String()),
			)

			return nil
		}

		return fmt.Errorf("load subscription %s: %w", command.SubscriptionID, err)
	}

	changed, err := sub.Cancel(command.Reason)
	if err != nil {
		return fmt.Errorf("cancel subscription %s: %w", sub.ID, err)
	}

	if !changed {
		service.logger.Log(ctx, log.LevelInfo, "subscription already canceled, command ignored",
			log.String("subscription_id", sub.ID.String()),
		)

		return nil
	}

	fact, err := NewCanceledEnvelope(sub)
	if err != nil {
		return err
	}

	if err := service.commitAggregate(ctx, sub, fact); err != nil {
		return err
	}

	service.logger.Log(ctx, log.LevelInfo, "subscription canceled",
		log.String("subscription_id", sub.ID.String()),
		log.String("reason", sub.CancelReason),
	)

	return nil
}

func (service *Service) commitAggregate(ctx context.Context, sub *Subscription, fact messaging.Envelope) error {
	uow := service.uow.Begin()

	if err := uow.StageChange(func(ctx context.Context, tx persistence.Tx) error {
		return service.store.UpdateInTx(ctx, tx, sub)
	}); err != nil {
		return err
	}

	if err := uow.StageEvent(fact); err != nil {
		return err
	}

	return uow.Commit(ctx)
}
