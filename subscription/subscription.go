// Package subscription holds the subscription aggregate, its message
// contracts, and the idempotent command consumers that close the
// registration saga.
package subscription

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	// StatusPending is the provisional state between registration and
	// payment confirmation.
	StatusPending Status = "pending"
	// StatusActive means payment was confirmed and the period is running.
	StatusActive Status = "active"
	// StatusCanceled is terminal: either the customer canceled or the
	// registration was compensated after a rejected payment.
	StatusCanceled Status = "canceled"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Subscription is the billing aggregate the saga coordinates.
//
// Activate and Cancel are idempotent: applying either to an aggregate
// already in the target state is a successful no-op. That is the
// consumer-side half of the at-least-once delivery contract.
type Subscription struct {
	ID                 uuid.UUID
	CustomerID         uuid.UUID
	PlanCode           string
	Amount             decimal.Decimal
	Currency           string
	Status             Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelReason       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// New creates a pending subscription.
func New(id, customerID uuid.UUID, planCode string, amount decimal.Decimal, currency string) (*Subscription, error) {
	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	if customerID == uuid.Nil {
		return nil, ErrCustomerIDRequired
	}

	if planCode == "" {
		return nil, ErrPlanCodeRequired
	}

	if !amount.IsPositive() {
		return nil, ErrAmountNotPositive
	}

	if !currencyPattern.MatchString(currency) {
		return nil, ErrCurrencyInvalid
	}

	now := time.Now().UTC()

	return &Subscription{
		ID:         id,
		CustomerID: customerID,
		PlanCode:   planCode,
		Amount:     amount,
		Currency:   currency,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Activate transitions the subscription to active with the given period
// boundaries. It reports whether the call changed anything: an already
// active subscription is left untouched and reported as unchanged. An
// activate against a canceled subscription is a contradiction and fails.
func (subscription *Subscription) Activate(periodStart, periodEnd time.Time) (bool, error) {
	switch subscription.Status {
	case StatusActive:
		return false, nil
	case StatusCanceled:
		return false, ErrActivateCanceled
	}

	if !periodEnd.After(periodStart) {
		return false, ErrPeriodInvalid
	}

	start := periodStart.UTC()
	end := periodEnd.UTC()

	subscription.Status = StatusActive
	subscription.CurrentPeriodStart = &start
	subscription.CurrentPeriodEnd = &end
	subscription.UpdatedAt = time.Now().UTC()

	return true, nil
}

// Cancel transitions the subscription to canceled, recording the reason.
// It reports whether the call changed anything: canceling an already
// canceled subscription is a no-op and keeps the original reason.
func (subscription *Subscription) Cancel(reason string) (bool, error) {
	if subscription.Status == StatusCanceled {
		return false, nil
	}

	if reason == "" {
		return false, ErrCancelReasonRequired
	}

	subscription.Status = StatusCanceled
	subscription.CancelReason = reason
	subscription.UpdatedAt = time.Now().UTC()

	return true, nil
}
