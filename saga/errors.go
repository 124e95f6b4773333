package saga

import "errors"

var (
	// ErrVersionConflict means the write was based on a stale version.
	// It is retryable: the messaging layer redelivers and the handler
	// re-reads fresh state.
	ErrVersionConflict = errors.New("saga state version conflict")

	ErrStateNotFound        = errors.New("saga state not found")
	ErrStateExists          = errors.New("saga state already exists")
	ErrCorrelationRequired  = errors.New("correlation id is required")
	ErrInvalidTransition    = errors.New("invalid saga state transition")
	ErrStoreRequired        = errors.New("saga state store is required")
	ErrUnitOfWorkRequired   = errors.New("unit of work manager is required")
	ErrPaymentRefRequired   = errors.New("payment reference is required")
	ErrFailureReasonMissing = errors.New("failure reason is required")
)
