package engine

import (
	"errors"
	"fmt"
)

// MaxAddressLen bounds endpoint addresses, including unix socket paths.
// Addresses must be strictly shorter.
const MaxAddressLen = 108

// ErrorCode is reported to completion and shutdown notifications. Zero is
// success.
type ErrorCode int

const (
	ErrCodeSuccess ErrorCode = iota
	ErrCodeConnectionClosed
	ErrCodeCallbackFailure
	ErrCodeServerShutdown
	ErrCodeResponseWrite
	ErrCodeMissingResponse
	ErrCodeConnectionNotConfigured
)

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeSuccess:
		return "SUCCESS"
	case ErrCodeConnectionClosed:
		return "CONNECTION_CLOSED"
	case ErrCodeCallbackFailure:
		return "CALLBACK_FAILURE"
	case ErrCodeServerShutdown:
		return "SERVER_SHUTDOWN"
	case ErrCodeResponseWrite:
		return "RESPONSE_WRITE_FAILED"
	case ErrCodeMissingResponse:
		return "MISSING_RESPONSE"
	case ErrCodeConnectionNotConfigured:
		return "CONNECTION_NOT_CONFIGURED"
	default:
		return fmt.Sprintf("ERROR_%d", int(c))
	}
}

var (
	ErrInvalidOptions      = errors.New("engine: invalid options")
	ErrInvalidAddress      = errors.New("engine: invalid endpoint address")
	ErrUnsupportedSocket   = errors.New("engine: unsupported socket options")
	ErrServerReleased      = errors.New("engine: server released")
	ErrConnectionClosed    = errors.New("engine: connection closed")
	ErrAlreadyConfigured   = errors.New("engine: connection already configured")
	ErrResponseAlreadySent = errors.New("engine: response already sent")
	ErrStreamCompleted     = errors.New("engine: stream already completed")
	ErrInvalidStatus       = errors.New("engine: invalid response status")
)
