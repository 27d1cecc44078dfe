// Package errors provides unified error handling with structured error codes.
// Codes map onto HTTP status codes for the capture service.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code int

const (
	CodeUnknown Code = iota
	CodeInternal
	CodeInvalidArgument
	CodeNotFound
	CodeUnavailable
	CodeTimeout
	CodeCancelled
	CodeConnectFailed
	CodeProtocolError
	CodeProtocolUnsupported
	CodeAllocationFailed
	CodeUnsupportedFormat
	CodeCaptureFailed
	CodeEncodeFailed
	CodeConfigInvalid
)

var codeNames = map[Code]string{
	CodeUnknown:             "UNKNOWN",
	CodeInternal:            "INTERNAL",
	CodeInvalidArgument:     "INVALID_ARGUMENT",
	CodeNotFound:            "NOT_FOUND",
	CodeUnavailable:         "UNAVAILABLE",
	CodeTimeout:             "TIMEOUT",
	CodeCancelled:           "CANCELLED",
	CodeConnectFailed:       "CONNECT_FAILED",
	CodeProtocolError:       "PROTOCOL_ERROR",
	CodeProtocolUnsupported: "PROTOCOL_UNSUPPORTED",
	CodeAllocationFailed:    "ALLOCATION_FAILED",
	CodeUnsupportedFormat:   "UNSUPPORTED_FORMAT",
	CodeCaptureFailed:       "CAPTURE_FAILED",
	CodeEncodeFailed:        "ENCODE_FAILED",
	CodeConfigInvalid:       "CONFIG_INVALID",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// httpStatusMap maps error codes to HTTP status codes.
var httpStatusMap = map[Code]int{
	CodeUnknown:             http.StatusInternalServerError,
	CodeInternal:            http.StatusInternalServerError,
	CodeInvalidArgument:     http.StatusBadRequest,
	CodeNotFound:            http.StatusNotFound,
	CodeUnavailable:         http.StatusServiceUnavailable,
	CodeTimeout:             http.StatusGatewayTimeout,
	CodeCancelled:           499,
	CodeConnectFailed:       http.StatusServiceUnavailable,
	CodeProtocolError:       http.StatusBadGateway,
	CodeProtocolUnsupported: http.StatusNotImplemented,
	CodeAllocationFailed:    http.StatusInsufficientStorage,
	CodeUnsupportedFormat:   http.StatusBadGateway,
	CodeCaptureFailed:       http.StatusBadGateway,
	CodeEncodeFailed:        http.StatusInternalServerError,
	CodeConfigInvalid:       http.StatusBadRequest,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the corresponding HTTP status code.
func (e *AppError) HTTPStatus() int {
	if c, ok := httpStatusMap[e.Code]; ok {
		return c
	}
	return http.StatusInternalServerError
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// As finds the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeUnknown
}

// HTTPStatus returns the HTTP status for any error.
func HTTPStatus(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case CodeUnavailable, CodeTimeout, CodeConnectFailed, CodeCaptureFailed:
		return true
	default:
		return false
	}
}
