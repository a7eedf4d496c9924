package core

import (
	"context"
	"errors"
	"fmt"
)

// Error is the canonical error shape shared by every call-center component.
type Error struct {
	Type     ErrorType `json:"type"`
	Message  string    `json:"message"`
	Op       string    `json:"op,omitempty"`
	CallID   string    `json:"call_id,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Code     string    `json:"code,omitempty"`

	// RequestID is set when the error is returned over HTTP.
	RequestID string `json:"request_id,omitempty"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.CallID != "" {
		msg = fmt.Sprintf("%s (call %s)", msg, e.CallID)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrNotFound       ErrorType = "not_found_error"
	ErrInvalidState   ErrorType = "invalid_state_error"
	ErrSignaling      ErrorType = "signaling_error"
	ErrProvider       ErrorType = "provider_error"
	ErrCapacity       ErrorType = "capacity_error"
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrInternal       ErrorType = "api_error"
)

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewInvalidStateError creates an error for an operation that the current call state does not allow.
func NewInvalidStateError(message string) *Error {
	return &Error{Type: ErrInvalidState, Message: message}
}

// NewSignalingError wraps a protocol negotiation or transport failure.
func NewSignalingError(message string, underlying error) *Error {
	if underlying != nil {
		message = fmt.Sprintf("%s: %v", message, underlying)
	}
	return &Error{Type: ErrSignaling, Message: message, Err: underlying}
}

// NewProviderError wraps a speech, generation or storage provider failure.
func NewProviderError(provider string, underlying error) *Error {
	e := &Error{Type: ErrProvider, Provider: provider, Err: underlying}
	if underlying != nil {
		e.Message = underlying.Error()
	}
	if errors.Is(underlying, context.DeadlineExceeded) {
		e.Code = "timeout"
	}
	return e
}

// NewCapacityError creates an admission-control rejection.
func NewCapacityError(message string) *Error {
	return &Error{Type: ErrCapacity, Message: message}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// WithCall returns a copy of e tagged with the call identifier.
func (e *Error) WithCall(callID string) *Error {
	out := *e
	out.CallID = callID
	return &out
}

// WithOp returns a copy of e tagged with the failed operation.
func (e *Error) WithOp(op string) *Error {
	out := *e
	out.Op = op
	return &out
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrProvider, ErrSignaling:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsType reports whether err (or anything it wraps) is a *Error of type t.
func IsType(err error, t ErrorType) bool {
	var ce *Error
	if !errors.As(err, &ce) || ce == nil {
		return false
	}
	return ce.Type == t
}

// IsNotFound reports whether err is a not_found_error.
func IsNotFound(err error) bool { return IsType(err, ErrNotFound) }
