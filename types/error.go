package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the bridge.
type ErrorCode string

// Validation error codes. Raised synchronously before any native resource is touched.
const (
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrInvalidType     ErrorCode = "INVALID_TYPE"
	ErrCapsuleInvalid  ErrorCode = "CAPSULE_INVALID"
)

// Native error codes.
const (
	ErrNativeCreate ErrorCode = "NATIVE_CREATE"
	ErrNativeState  ErrorCode = "NATIVE_STATE"
	ErrDoubleFree   ErrorCode = "DOUBLE_FREE"
)

// Callback error codes. These never reach the caller directly, they are
// routed to the unraisable channel.
const (
	ErrCallbackFailed ErrorCode = "CALLBACK_FAILED"
	ErrCallbackPanic  ErrorCode = "CALLBACK_PANIC"
)

// Error represents a structured error with code, message, and cause.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Code returns a bare *Error usable as an errors.Is target for code.
func Code(code ErrorCode) *Error {
	return &Error{Code: code}
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err was raised by argument validation.
func IsValidation(err error) bool {
	switch GetErrorCode(err) {
	case ErrInvalidArgument, ErrInvalidType, ErrCapsuleInvalid:
		return true
	}
	return false
}
