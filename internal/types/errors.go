package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the reconciliation layer.
var (
	// Connection errors
	ErrConnection    = errors.New("connection error")
	ErrNotConnected  = errors.New("session not connected")
	ErrSessionClosed = errors.New("session closed")

	// Async path errors
	ErrProtocol          = errors.New("protocol error")
	ErrDuplicateBinding  = errors.New("duplicate contract binding")
	ErrGateway           = errors.New("gateway error")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Caller errors
	ErrValidation      = errors.New("validation failed")
	ErrUnknownOrder    = errors.New("unknown order")
	ErrUnknownContract = errors.New("unknown contract")
	ErrTriggerNotFound = errors.New("trigger not found")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ValidationError reports a caller-supplied order or contract field that
// cannot be submitted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ProtocolError reports a malformed or unexpected gateway callback.
type ProtocolError struct {
	MsgID  int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: msg %d: %s", ErrProtocol, e.MsgID, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// DuplicateBindingError reports a gateway contract id that is already bound
// to a different synthesized symbol. The existing binding is kept.
type DuplicateBindingError struct {
	ConID    int64
	Existing string
	Incoming string
}

func (e *DuplicateBindingError) Error() string {
	return fmt.Sprintf("%s: conid %d bound to %s, ignoring %s", ErrDuplicateBinding, e.ConID, e.Existing, e.Incoming)
}

func (e *DuplicateBindingError) Unwrap() error { return ErrDuplicateBinding }

// GatewayError is an error code reported by the gateway outside the benign
// allow-list.
type GatewayError struct {
	ReqID   int64
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: [#%d] id=%d %s", ErrGateway, e.Code, e.ReqID, e.Message)
}

func (e *GatewayError) Unwrap() error { return ErrGateway }

// IsSynchronous reports whether err belongs to the classes returned directly
// to callers (connection and validation failures).
func IsSynchronous(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrValidation)
}
