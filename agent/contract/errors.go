package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrValidation      = errors.New("validation failed")
	ErrUnknownAction   = errors.New("no connector for action")
	ErrUnresolvedRef   = errors.New("result reference cannot be resolved")
	ErrChannelClosed   = errors.New("realtime channel has no receivers")
)
