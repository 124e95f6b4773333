package messaging

import "errors"

var (
	ErrEnvelopeIDRequired  = errors.New("envelope id is required")
	ErrEventTypeRequired   = errors.New("event type is required")
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	ErrPayloadRequired     = errors.New("payload is required")
	ErrPayloadTooLarge     = errors.New("payload exceeds maximum allowed size")
	ErrPayloadNotJSON      = errors.New("payload must be valid JSON")
	ErrHandlerRequired     = errors.New("handler is required")
	ErrBusClosed           = errors.New("message bus is closed")
)
