package protocol

import (
	"context"
	"errors"
	"io"
	"time"
)

// Core protocol errors
var (
	// Session errors

	ErrSessionClosed  = errors.New("session is closed")
	ErrSessionTimeout = errors.New("session timeout")
	ErrSessionLost    = errors.New("session lost")
	ErrDialFailed     = errors.New("dial failed")
	ErrListenFailed   = errors.New("listen failed")
	ErrListenerClosed = errors.New("listener is closed")

	// Channel errors

	ErrChannelClosed       = errors.New("channel is closed")
	ErrChannelExists       = errors.New("channel already exists")
	ErrInvalidChannelID    = errors.New("invalid channel ID")
	ErrTooManyPendingChans = errors.New("too many unclaimed channels")

	// Message errors

	ErrMessageTooLarge       = errors.New("message too large")
	ErrInvalidFrame          = errors.New("invalid frame")
	ErrUnknownCompression    = errors.New("unknown compression")
	ErrDecompressionFailed   = errors.New("decompression failed")
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrTransportNotSupported = errors.New("transport not supported")
)

// ErrorCode represents a numeric error code for efficient error handling
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Session error codes (1000-1999)

	ErrorCodeSessionClosed     ErrorCode = 1001
	ErrorCodeSessionTimeout    ErrorCode = 1002
	ErrorCodeSessionLost       ErrorCode = 1004
	ErrorCodeProtocolViolation ErrorCode = 1007

	// Channel error codes (4000-4999)

	ErrorCodeChannelClosed     ErrorCode = 4001
	ErrorCodeChannelExists     ErrorCode = 4002
	ErrorCodeTooManyPending    ErrorCode = 4003
	ErrorCodeChannelTimeout    ErrorCode = 4004
	ErrorCodeInvalidChannelID  ErrorCode = 4005
	ErrorCodeResourceExhausted ErrorCode = 4007

	// Message error codes (3000-3999)

	ErrorCodeMessageTooLarge     ErrorCode = 3001
	ErrorCodeInvalidFrame        ErrorCode = 3003
	ErrorCodeUnknownCompression  ErrorCode = 3005
	ErrorCodeDecompressionFailed ErrorCode = 3006

	// Transport error codes (7000-7999)

	ErrorCodeTransportNotSupported ErrorCode = 7001
	ErrorCodeListenerClosed        ErrorCode = 7002
	ErrorCodeListenFailed          ErrorCode = 7006
	ErrorCodeDialFailed            ErrorCode = 7007

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error represents a protocol-specific error with additional context
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new protocol error
func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsTemporary reports whether the operation may be retried on the same session.
func (e *Error) IsTemporary() bool {
	switch e.Code {
	case ErrorCodeSessionTimeout,
		ErrorCodeChannelTimeout,
		ErrorCodeResourceExhausted,
		ErrorCodeTooManyPending:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the session must be torn down.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeSessionClosed,
		ErrorCodeSessionLost,
		ErrorCodeProtocolViolation,
		ErrorCodeInvalidFrame,
		ErrorCodeUnknownCompression,
		ErrorCodeDecompressionFailed,
		ErrorCodeMessageTooLarge:
		return true
	default:
		return false
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrSessionClosed:  ErrorCodeSessionClosed,
	ErrSessionTimeout: ErrorCodeSessionTimeout,
	ErrSessionLost:    ErrorCodeSessionLost,
	ErrDialFailed:     ErrorCodeDialFailed,
	ErrListenFailed:   ErrorCodeListenFailed,
	ErrListenerClosed: ErrorCodeListenerClosed,

	ErrChannelClosed:       ErrorCodeChannelClosed,
	ErrChannelExists:       ErrorCodeChannelExists,
	ErrInvalidChannelID:    ErrorCodeInvalidChannelID,
	ErrTooManyPendingChans: ErrorCodeTooManyPending,

	ErrMessageTooLarge:       ErrorCodeMessageTooLarge,
	ErrInvalidFrame:          ErrorCodeInvalidFrame,
	ErrUnknownCompression:    ErrorCodeUnknownCompression,
	ErrDecompressionFailed:   ErrorCodeDecompressionFailed,
	ErrProtocolViolation:     ErrorCodeProtocolViolation,
	ErrTransportNotSupported: ErrorCodeTransportNotSupported,

	context.DeadlineExceeded: ErrorCodeChannelTimeout,
	io.EOF:                   ErrorCodeChannelClosed,
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	if code, exists := errorCodeMap[err]; exists {
		return code
	}

	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into a protocol Error
func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}

// IsFatal reports whether err requires tearing the session down.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.IsFatal()
	}
	return (&Error{Code: GetErrorCode(err)}).IsFatal()
}

// IsTemporary reports whether err is worth retrying.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.IsTemporary()
	}
	return (&Error{Code: GetErrorCode(err)}).IsTemporary()
}
