package subscription

import "errors"

var (
	ErrNotFound             = errors.New("subscription not found")
	ErrIDRequired           = errors.New("subscription id is required")
	ErrCustomerIDRequired   = errors.New("customer id is required")
	ErrPlanCodeRequired     = errors.New("plan code is required")
	ErrAmountNotPositive    = errors.New("amount must be positive")
	ErrCurrencyInvalid      = errors.New("currency must be a three-letter ISO code")
	ErrPeriodInvalid        = errors.New("period end must be after period start")
	ErrCancelReasonRequired = errors.New("cancel reason is required")
	ErrActivateCanceled     = errors.New("canceled subscription cannot be activated")
	ErrStoreRequired        = errors.New("subscription store is required")
	ErrUnitOfWorkRequired   = errors.New("unit of work manager is required")
	ErrSubscriptionExists   = errors.New("subscription already exists")
)
