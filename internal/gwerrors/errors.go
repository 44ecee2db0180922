// Package gwerrors defines the gateway's closed error-kind taxonomy
// (SPEC_FULL.md §7) and its mapping onto HTTP status codes and the
// X-SMG-Error-Code response header.
package gwerrors

import (
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error categories the gateway surfaces.
type Kind string

const (
	InvalidArgument    Kind = "invalid_argument"
	NotFound           Kind = "not_found"
	Unauthenticated    Kind = "unauthenticated"
	FailedPrecondition Kind = "failed_precondition"
	DeadlineExceeded   Kind = "deadline_exceeded"
	Unavailable        Kind = "unavailable"
	Internal           Kind = "internal"
	BadGateway         Kind = "bad_gateway"
	RateLimitExceeded  Kind = "rate_limit_exceeded"
	PayloadTooLarge    Kind = "payload_too_large"
)

// httpStatus maps each Kind to the status code written on the wire.
var httpStatus = map[Kind]int{
	InvalidArgument:    http.StatusBadRequest,
	NotFound:           http.StatusNotFound,
	Unauthenticated:    http.StatusUnauthorized,
	FailedPrecondition: http.StatusServiceUnavailable,
	DeadlineExceeded:   http.StatusGatewayTimeout,
	Unavailable:        http.StatusServiceUnavailable,
	Internal:           http.StatusInternalServerError,
	BadGateway:         http.StatusBadGateway,
	RateLimitExceeded:  http.StatusTooManyRequests,
	PayloadTooLarge:    http.StatusRequestEntityTooLarge,
}

// Error is the gateway's wire-shaped error. It satisfies the error
// interface and carries enough structure to render the
// {"error": {"type","code","message","param"}} envelope described in §6.
type Error struct {
	Kind    Kind
	Code    string // short machine code, e.g. "no_available_workers"
	Message string
	Param   string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error should be written with.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error wrapping cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// NoAvailableWorkers is the specific FailedPrecondition the boundary
// scenarios in spec.md §8 assert on verbatim.
func NoAvailableWorkers(modelID string) *Error {
	return New(FailedPrecondition, "no_available_workers", "no available workers for model "+modelID)
}
