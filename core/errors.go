package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Status is a canonical error status name shared by actions, the reflection
// API and the trace store.
type Status string

const (
	StatusOK                 Status = "OK"
	StatusCancelled          Status = "CANCELLED"
	StatusUnknown            Status = "UNKNOWN"
	StatusInvalidArgument    Status = "INVALID_ARGUMENT"
	StatusDeadlineExceeded   Status = "DEADLINE_EXCEEDED"
	StatusNotFound           Status = "NOT_FOUND"
	StatusAlreadyExists      Status = "ALREADY_EXISTS"
	StatusPermissionDenied   Status = "PERMISSION_DENIED"
	StatusUnauthenticated    Status = "UNAUTHENTICATED"
	StatusResourceExhausted  Status = "RESOURCE_EXHAUSTED"
	StatusFailedPrecondition Status = "FAILED_PRECONDITION"
	StatusAborted            Status = "ABORTED"
	StatusOutOfRange         Status = "OUT_OF_RANGE"
	StatusUnimplemented      Status = "UNIMPLEMENTED"
	StatusInternal           Status = "INTERNAL"
	StatusUnavailable        Status = "UNAVAILABLE"
	StatusDataLoss           Status = "DATA_LOSS"
)

// HTTPCode maps the status onto an HTTP response code.
func (s Status) HTTPCode() int {
	switch s {
	case StatusOK:
		return http.StatusOK
	case StatusInvalidArgument, StatusFailedPrecondition, StatusOutOfRange:
		return http.StatusBadRequest
	case StatusUnauthenticated:
		return http.StatusUnauthorized
	case StatusPermissionDenied:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusAlreadyExists, StatusAborted:
		return http.StatusConflict
	case StatusResourceExhausted:
		return http.StatusTooManyRequests
	case StatusCancelled:
		return 499
	case StatusUnimplemented:
		return http.StatusNotImplemented
	case StatusUnavailable:
		return http.StatusServiceUnavailable
	case StatusDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the framework error type. Details are carried to reflection
// clients verbatim.
type Error struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates an *Error with a formatted message.
func NewError(status Status, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an *Error that unwraps to cause.
func WrapError(status Status, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Error{Status: status, Message: msg, cause: cause}
}

// WithDetail returns a copy of e carrying key=value in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	ne := *e
	ne.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		ne.Details[k] = v
	}
	ne.Details[key] = value
	return &ne
}

// StatusOf classifies err.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	switch {
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return StatusDeadlineExceeded
	default:
		return StatusInternal
	}
}

// AsError converts any error into an *Error, preserving an existing one.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Status: StatusOf(err), Message: err.Error(), cause: err}
}
