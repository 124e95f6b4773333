// Package saga coordinates the registration workflow: a persisted state
// machine per subscription id that reacts to integration events and emits
// follow-up commands through the outbox.
//
// The orchestrator assumes at-least-once delivery. Unknown, duplicate, and
// late events are logged and discarded as no-ops; optimistic-concurrency
// conflicts are surfaced as retryable errors so the messaging layer
// redelivers and the handler re-reads fresh state.
package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/kairospay/subscription-core/log"
	"github.com/kairospay/subscription-core/messaging"
	"github.com/kairospay/subscription-core/persistence"
	"github.com/kairospay/subscription-core/subscription"
	"github.com/kairospay/subscription-core/unitofwork"
)

// Orchestrator drives saga instances from bus events. State transitions
// and the commands they emit commit atomically: the command goes through
// the same unit of work, so it traverses the outbox like any other
// message.
type Orchestrator struct {
	store   Store
	uow     *unitofwork.Manager
	logger  log.Logger
	tracer  trace.Tracer
	meter   metric.MeterProvider
	metrics orchestratorMetrics
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator) error

// WithLogger sets the orchestrator logger.
func WithLogger(logger log.Logger) Option {
	return func(orchestrator *Orchestrator) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}

		orchestrator.logger = logger

		return nil
	}
}

// WithTracer sets the tracer wrapped around each handled event.
func WithTracer(tracer trace.Tracer) Option {
	return func(orchestrator *Orchestrator) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}

		orchestrator.tracer = tracer

		return nil
	}
}

// WithMeterProvider sets the provider backing the orchestrator's counters.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(orchestrator *Orchestrator) error {
		if provider == nil {
			return errors.New("meter provider must not be nil")
		}

		orchestrator.meter = provider

		return nil
	}
}

// NewOrchestrator creates a saga orchestrator over the given state store
// and unit of work manager.
func NewOrchestrator(store Store, uow *unitofwork.Manager, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if uow == nil {
		return nil, ErrUnitOfWorkRequired
	}

	orchestrator := &Orchestrator{
		store:  store,
		uow:    uow,
		logger: log.NewNop(),
		tracer: tracenoop.NewTracerProvider().Tracer(meterName),
	}

	for _, opt := range opts {
		if err := opt(orchestrator); err != nil {
			return nil, err
		}
	}

	metrics, err := newOrchestratorMetrics(orchestrator.meter)
	if err != nil {
		return nil, err
	}

	orchestrator.metrics = metrics

	return orchestrator, nil
}

// RegisterHandlers subscribes the orchestrator to its inbound events.
func (orchestrator *Orchestrator) RegisterHandlers(bus messaging.Bus) error {
	subscriptions := map[string]messaging.Handler{
		subscription.EventRegistered:       orchestrator.HandleRegistered,
		subscription.EventPaymentConfirmed: orchestrator.HandlePaymentConfirmed,
		subscription.EventPaymentRejected:  orchestrator.HandlePaymentRejected,
	}

	for eventType, handler := range subscriptions {
		if err := bus.Subscribe(eventType, handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
	}

	return nil
}

// HandleRegistered starts a saga for a freshly registered subscription and
// emits the payment request. A saga that already exists for the id means a
// duplicate delivery; the event is discarded.
func (orchestrator *Orchestrator) HandleRegistered(ctx context.Context, envelope messaging.Envelope) error {
	ctx, span := orchestrator.tracer.Start(ctx, "saga.handle_registered")
	defer span.End()

	var event subscription.RegisteredEvent
	if err := envelope.DecodePayload(&event); err != nil {
		return fmt.Errorf("decode registered event: %w", err)
	}

	_, err := orchestrator.store.Get(ctx, event.SubscriptionID)
	if err == nil {
		orchestrator.discard(ctx, envelope, "saga already started")

		return nil
	}

	if !errors.Is(err, ErrStateNotFound) {
		return fmt.Errorf("load saga state %s: %w", event.SubscriptionID, err)
	}

	state, err := NewState(event)
	if err != nil {
		return fmt.Errorf("start saga %s: %w", event.SubscriptionID, err)
	}

	command, err := messaging.NewEnvelope(
		subscription.CommandRequestPayment,
		subscription.Source,
		state.CorrelationID,
		subscription.RequestPaymentCommand{
			SubscriptionID: state.CorrelationID,
			PlanCode:       state.PlanCode,
			Amount:         state.Amount,
			Currency:       state.Currency,
		},
	)
	if err != nil {
		return err
	}

	err = orchestrator.commit(ctx, command, func(ctx context.Context, tx persistence.Tx) error {
		return orchestrator.store.CreateInTx(ctx, tx, state)
	})
	if err != nil {
		if errors.Is(err, ErrStateExists) {
			// Lost a race with a concurrent duplicate delivery.
			orchestrator.discard(ctx, envelope, "saga already started")

			return nil
		}

		return err
	}

	orchestrator.metrics.started.Add(ctx, 1)

	orchestrator.logger.Log(ctx, log.LevelInfo, "saga started, payment requested",
		log.String("correlation_id", state.CorrelationID.String()),
		log.String("plan_code", state.PlanCode),
	)

	return nil
}

// HandlePaymentConfirmed finalizes the saga as completed and emits the
// Activate command.
func (orchestrator *Orchestrator) HandlePaymentConfirmed(ctx context.Context, envelope messaging.Envelope) error {
	ctx, span := orchestrator.tracer.Start(ctx, "saga.handle_payment_confirmed")
	defer span.End()

	var event subscription.PaymentConfirmedEvent
	if err := envelope.DecodePayload(&event); err != nil {
		return fmt.Errorf("decode payment confirmed event: %w", err)
	}

	state, proceed, err := orchestrator.loadActive(ctx, envelope, event.SubscriptionID)
	if err != nil || !proceed {
		return err
	}

	expectedVersion := state.Version

	if err := state.Confirm(event.PaymentReference, event.ConfirmedAt); err != nil {
		return fmt.Errorf("confirm saga %s: %w", state.CorrelationID, err)
	}

	periodStart := event.ConfirmedAt.UTC()

	command, err := messaging.NewEnvelope(
		subscription.CommandActivate,
		subscription.Source,
		state.CorrelationID,
		subscription.ActivateCommand{
			SubscriptionID: state.CorrelationID,
			PeriodStart:    periodStart,
			PeriodEnd:      periodStart.Add(subscription.DefaultBillingPeriod),
		},
	)
	if err != nil {
		return err
	}

	err = orchestrator.commit(ctx, command, func(ctx context.Context, tx persistence.Tx) error {
		return orchestrator.store.UpdateInTx(ctx, tx, state, expectedVersion)
	})
	if err != nil {
		return orchestrator.classifyCommitError(ctx, state, err)
	}

	orchestrator.metrics.completed.Add(ctx, 1)

	orchestrator.logger.Log(ctx, log.LevelInfo, "saga completed, activation emitted",
		log.String("correlation_id", state.CorrelationID.String()),
		log.String("payment_reference", state.PaymentReference),
	)

	return nil
}

// HandlePaymentRejected finalizes the saga as failed and emits the
// compensating Cancel command.
func (orchestrator *Orchestrator) HandlePaymentRejected(ctx context.Context, envelope messaging.Envelope) error {
	ctx, span := orchestrator.tracer.Start(ctx, "saga.handle_payment_rejected")
	defer span.End()

	var event subscription.PaymentRejectedEvent
	if err := envelope.DecodePayload(&event); err != nil {
		return fmt.Errorf("decode payment rejected event: %w", err)
	}

	state, proceed, err := orchestrator.loadActive(ctx, envelope, event.SubscriptionID)
	if err != nil || !proceed {
		return err
	}

	expectedVersion := state.Version

	if err := state.Fail(event.Reason); err != nil {
		return fmt.Errorf("fail saga %s: %w", state.CorrelationID, err)
	}

	command, err := messaging.NewEnvelope(
		subscription.CommandCancel,
		subscription.Source,
		state.CorrelationID,
		subscription.CancelCommand{
			SubscriptionID: state.CorrelationID,
			Reason:         state.FailureReason,
		},
	)
	if err != nil {
		return err
	}

	err = orchestrator.commit(ctx, command, func(ctx context.Context, tx persistence.Tx) error {
		return orchestrator.store.UpdateInTx(ctx, tx, state, expectedVersion)
	})
	if err != nil {
		return orchestrator.classifyCommitError(ctx, state, err)
	}

	orchestrator.metrics.failed.Add(ctx, 1)

	orchestrator.logger.Log(ctx, log.LevelInfo, "saga failed, compensation emitted",
		log.String("correlation_id", state.CorrelationID.String()),
		log.String("reason", state.FailureReason),
	)

	return nil
}

// loadActive loads the saga for a correlated event. proceed is false when
// the event must be discarded as a no-op: no instance exists or the
// instance is already finalized.
func (orchestrator *Orchestrator) loadActive(ctx context.Context, envelope messaging.Envelope, correlationID uuid.UUID) (*State, bool, error) {
	state, err := orchestrator.store.Get(ctx, correlationID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			orchestrator.discard(ctx, envelope, "no saga instance for correlation id")

			return nil, false, nil
		}

		return nil, false, fmt.Errorf("load saga state %s: %w", correlationID, err)
	}

	if state.Status.Terminal() {
		orchestrator.discard(ctx, envelope, "saga already finalized")

		return nil, false, nil
	}

	return state, true, nil
}

// commit persists the state mutation and stages the emitted command in one
// unit of work, so the command takes the outbox path atomically with the
// transition.
func (orchestrator *Orchestrator) commit(ctx context.Context, command messaging.Envelope, change func(ctx context.Context, tx persistence.Tx) error) error {
	uow := orchestrator.uow.Begin()

	if err := uow.StageChange(change); err != nil {
		return err
	}

	if err := uow.StageEvent(command); err != nil {
		return err
	}

	return uow.Commit(ctx)
}

func (orchestrator *Orchestrator) classifyCommitError(ctx context.Context, state *State, err error) error {
	if errors.Is(err, ErrVersionConflict) {
		orchestrator.metrics.conflicts.Add(ctx, 1)

		orchestrator.logger.Log(ctx, log.LevelWarn, "saga version conflict, awaiting redelivery",
			log.String("correlation_id", state.CorrelationID.String()),
			log.Int("expected_version", int(state.Version)),
		)
	}

	return err
}

func (orchestrator *Orchestrator) discard(ctx context.Context, envelope messaging.Envelope, reason string) {
	orchestrator.metrics.ignored.Add(ctx, 1, eventTypeAttr(envelope.EventType))

	orchestrator.logger.Log(ctx, log.LevelInfo, "saga event discarded",
		log.String("event_type", envelope.EventType),
		log.String("correlation_id", envelope.AggregateID.String()),
		log.String("reason", reason),
	)
}
