package subscription

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kairospay/subscription-core/messaging"
	"github.com/kairospay/subscription-core/outbox"
)

// Service sources stamped on envelopes. The payment service's source is
// declared here because its contracts are part of this workflow.
const (
	Source        = "subscriptions"
	PaymentSource = "payments"
)

// Message contracts of the registration saga. Names are namespaced and
// versioned; the payload shape behind a name never changes, a new shape
// gets a new version suffix.
const (
	// EventRegistered starts the saga: a pending subscription was created.
	EventRegistered = "subscriptions.registered.v1"
	// CommandRequestPayment asks the payment service to charge for a
	// pending subscription.
	CommandRequestPayment = "payments.request_payment.v1"
	// EventPaymentConfirmed is the payment service's success reply.
	EventPaymentConfirmed = "payments.payment_confirmed.v1"
	// EventPaymentRejected is the payment service's failure reply.
	EventPaymentRejected = "payments.payment_rejected.v1"
	// CommandActivate tells the subscription consumer to activate the
	// aggregate after a confirmed payment.
	CommandActivate = "subscriptions.activate.v1"
	// CommandCancel compensates a pending subscription after a rejected
	// payment, or cancels on request.
	CommandCancel = "subscriptions.cancel.v1"
	// EventActivated is the fact emitted once activation is persisted.
	EventActivated = "subscriptions.activated.v1"
	// EventCanceled is the fact emitted once cancellation is persisted.
	EventCanceled = "subscriptions.canceled.v1"
)

// RegisteredEvent is the payload of EventRegistered.
type RegisteredEvent struct {
	SubscriptionID uuid.UUID       `json:"subscriptionId"`
	CustomerID     uuid.UUID       `json:"customerId"`
	PlanCode       string          `json:"planCode"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	RegisteredAt   time.Time       `json:"registeredAt"`
}

// RequestPaymentCommand is the payload of CommandRequestPayment.
type RequestPaymentCommand struct {
	SubscriptionID uuid.UUID       `json:"subscriptionId"`
	PlanCode       string          `json:"planCode"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

// PaymentConfirmedEvent is the payload of EventPaymentConfirmed.
type PaymentConfirmedEvent struct {
	SubscriptionID   uuid.UUID       `json:"subscriptionId"`
	PaymentReference string          `json:"paymentReference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	ConfirmedAt      time.Time       `json:"confirmedAt"`
}

// PaymentRejectedEvent is the payload of EventPaymentRejected.
type PaymentRejectedEvent struct {
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	Reason         string    `json:"reason"`
	RejectedAt     time.Time `json:"rejectedAt"`
}

// ActivateCommand is the payload of CommandActivate.
type ActivateCommand struct {
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	PeriodStart    time.Time `json:"periodStart"`
	PeriodEnd      time.Time `json:"periodEnd"`
}

// CancelCommand is the payload of CommandCancel.
type CancelCommand struct {
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	Reason         string    `json:"reason"`
}

// ActivatedEvent is the payload of EventActivated.
type ActivatedEvent struct {
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	PeriodStart    time.Time `json:"periodStart"`
	PeriodEnd      time.Time `json:"periodEnd"`
	ActivatedAt    time.Time `json:"activatedAt"`
}

// CanceledEvent is the payload of EventCanceled.
type CanceledEvent struct {
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	Reason         string    `json:"reason"`
	CanceledAt     time.Time `json:"canceledAt"`
}

// RegisterDecoders registers a decoder for every contract this service
// writes to its outbox. The payment service's inbound events are not
// registered; they never traverse this outbox.
func RegisterDecoders(registry *outbox.Registry) error {
	if registry == nil {
		return outbox.ErrRegistryRequired
	}

	decoders := map[string]outbox.Decoder{
		EventRegistered:       outbox.JSONDecoder[RegisteredEvent](EventRegistered),
		CommandRequestPayment: outbox.JSONDecoder[RequestPaymentCommand](CommandRequestPayment),
		CommandActivate:       outbox.JSONDecoder[ActivateCommand](CommandActivate),
		CommandCancel:         outbox.JSONDecoder[CancelCommand](CommandCancel),
		EventActivated:        outbox.JSONDecoder[ActivatedEvent](EventActivated),
		EventCanceled:         outbox.JSONDecoder[CanceledEvent](EventCanceled),
	}

	for eventType, decoder := range decoders {
		if err := registry.Register(eventType, decoder); err != nil {
			return err
		}
	}

	return nil
}

// NewRegisteredEnvelope builds the saga-start event for a freshly created
// pending subscription.
func NewRegisteredEnvelope(sub *Subscription) (messaging.Envelope, error) {
	return messaging.NewEnvelope(EventRegistered, Source, sub.ID, RegisteredEvent{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PlanCode:       sub.PlanCode,
		Amount:         sub.Amount,
		Currency:       sub.Currency,
		RegisteredAt:   sub.CreatedAt,
	})
}

// NewActivatedEnvelope builds the activation fact event.
func NewActivatedEnvelope(sub *Subscription) (messaging.Envelope, error) {
	return messaging.NewEnvelope(EventActivated, Source, sub.ID, ActivatedEvent{
		SubscriptionID: sub.ID,
		PeriodStart:    *sub.CurrentPeriodStart,
		PeriodEnd:      *sub.CurrentPeriodEnd,
		ActivatedAt:    sub.UpdatedAt,
	})
}

// NewCanceledEnvelope builds the cancellation fact event.
func NewCanceledEnvelope(sub *Subscription) (messaging.Envelope, error) {
	return messaging.NewEnvelope(EventCanceled, Source, sub.ID, CanceledEvent{
		SubscriptionID: sub.ID,
		Reason:         sub.CancelReason,
		CanceledAt:     sub.UpdatedAt,
	})
}
