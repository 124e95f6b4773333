package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kairospay/subscription-core/subscription"
)

// Status is a saga state label.
type Status string

const (
	// StatusInitial exists only transiently: a saga leaves it for
	// StatusAwaitingConfirmation within the transaction that creates it.
	StatusInitial Status = "initial"
	// StatusAwaitingConfirmation means the payment request was emitted and
	// the saga is waiting for the payment service's reply.
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	// StatusCompleted is terminal: payment confirmed, activation emitted.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal: payment rejected, compensation emitted.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusFailed
}

// transitions is the fixed state graph. Anything not listed is invalid.
var transitions = map[Status][]Status{
	StatusInitial:              {StatusAwaitingConfirmation},
	StatusAwaitingConfirmation: {StatusCompleted, StatusFailed},
}

// CanTransitionTo reports whether the graph allows status → next.
func (status Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[status] {
		if allowed == next {
			return true
		}
	}

	return false
}

// State is one saga instance, keyed by the subscription id it coordinates.
//
// Version implements optimistic concurrency: every persisted mutation
// increments it, and a write based on a stale version is rejected with
// ErrVersionConflict instead of silently overwriting. Once terminal, the
// state is immutable.
type State struct {
	CorrelationID uuid.UUID
	Version       int64
	Status        Status

	// Snapshot of the business fields needed to resume the workflow
	// without re-reading the aggregate.
	PlanCode         string
	Amount           decimal.Decimal
	Currency         string
	PaymentReference string

	StartedAt     time.Time
	ConfirmedAt   *time.Time
	FinalizedAt   *time.Time
	FailureReason string
}

// NewState starts a saga from its triggering registration event. The
// returned state is already awaiting confirmation: leaving Initial happens
// inside the same transaction that persists the instance.
func NewState(event subscription.RegisteredEvent) (*State, error) {
	if event.SubscriptionID == uuid.Nil {
		return nil, ErrCorrelationRequired
	}

	state := &State{
		CorrelationID: event.SubscriptionID,
		Version:       1,
		Status:        StatusInitial,
		PlanCode:      event.PlanCode,
		Amount:        event.Amount,
		Currency:      event.Currency,
		StartedAt:     time.Now().UTC(),
	}

	if err := state.transitionTo(StatusAwaitingConfirmation); err != nil {
		return nil, err
	}

	return state, nil
}

// Confirm records the payment confirmation and moves the saga to its
// successful terminal state.
func (state *State) Confirm(paymentReference string, confirmedAt time.Time) error {
	if paymentReference == "" {
		return ErrPaymentRefRequired
	}

	if err := state.transitionTo(StatusCompleted); err != nil {
		return err
	}

	at := confirmedAt.UTC()
	now := time.Now().UTC()

	state.PaymentReference = paymentReference
	state.ConfirmedAt = &at
	state.FinalizedAt = &now

	return nil
}

// Fail records the rejection reason and moves the saga to its failed
// terminal state.
func (state *State) Fail(reason string) error {
	if reason == "" {
		return ErrFailureReasonMissing
	}

	if err := state.transitionTo(StatusFailed); err != nil {
		return err
	}

	now := time.Now().UTC()

	state.FailureReason = reason
	state.FinalizedAt = &now

	return nil
}

func (state *State) transitionTo(next Status) error {
	if !state.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state.Status, next)
	}

	state.Status = next

	return nil
}
