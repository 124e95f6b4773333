package outbox

import "errors"

var (
	ErrRecordRequired        = errors.New("outbox record is required")
	ErrStoreRequired         = errors.New("outbox store is required")
	ErrBusRequired           = errors.New("message bus is required")
	ErrRegistryRequired      = errors.New("event registry is required")
	ErrDispatcherRequired    = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning     = errors.New("outbox dispatcher is already running")
	ErrEventTypeRequired     = errors.New("event type is required")
	ErrDecoderRequired       = errors.New("event decoder is required")
	ErrTypeAlreadyRegistered = errors.New("event type already registered")
	ErrTypeNotRegistered     = errors.New("event type is not registered")
	ErrRecordNotFound        = errors.New("outbox record not found")
)
