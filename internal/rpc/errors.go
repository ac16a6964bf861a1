package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code classifies procedure failures at the call boundary.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeInvalidArgument     Code = "invalid_argument"
	CodeUnauthenticated     Code = "unauthenticated"
	CodeRateLimited         Code = "rate_limited"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeInternal            Code = "internal"
)

// HTTPStatus maps the code onto the status used by the HTTP transport.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FieldViolation names an input field that failed validation.
type FieldViolation struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

// Error is the typed failure returned by every procedure.
type Error struct {
	code            Code
	message         string
	fieldViolations []FieldViolation
	retryAfter      time.Duration
	cause           error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Code returns the error classification.
func (e *Error) Code() Code {
	return e.code
}

// Message returns the caller-facing message.
func (e *Error) Message() string {
	return e.message
}

// FieldViolations returns the per-field validation failures, if any.
func (e *Error) FieldViolations() []FieldViolation {
	return append([]FieldViolation(nil), e.fieldViolations...)
}

// RetryAfter reports how long a rate-limited caller should wait.
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

// NewError constructs an error with the provided code and message.
func NewError(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func NotFound(message string) *Error {
	return NewError(CodeNotFound, message)
}

func InvalidArgument(message string, violations ...FieldViolation) *Error {
	err := NewError(CodeInvalidArgument, message)
	err.fieldViolations = append([]FieldViolation(nil), violations...)
	return err
}

func Unauthenticated(message string) *Error {
	return NewError(CodeUnauthenticated, message)
}

func RateLimited(retryAfter time.Duration) *Error {
	err := NewError(CodeRateLimited, "too many requests")
	err.retryAfter = retryAfter
	return err
}

func UpstreamUnavailable(message string, cause error) *Error {
	err := NewError(CodeUpstreamUnavailable, message)
	err.cause = cause
	return err
}

func Internal(message string, cause error) *Error {
	err := NewError(CodeInternal, message)
	err.cause = cause
	return err
}

// CodeOf extracts the classification of err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.code
	}
	return CodeInternal
}

// AsError converts any error into an *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return Internal("internal error", err)
}

// WireError is the JSON shape of an *Error on the HTTP transport.
type WireError struct {
	Code            Code             `json:"code"`
	Message         string           `json:"message"`
	RetryAfterMs    int64            `json:"retry_after_ms,omitempty"`
	FieldViolations []FieldViolation `json:"field_violations,omitempty"`
}

// Wire converts the error into its transport shape. The cause is never exposed.
func (e *Error) Wire() WireError {
	return WireError{
		Code:            e.code,
		Message:         e.message,
		RetryAfterMs:    e.retryAfter.Milliseconds(),
		FieldViolations: e.FieldViolations(),
	}
}

// FromWire rebuilds an *Error received over the transport.
func FromWire(wire WireError) *Error {
	code := wire.Code
	if code == "" {
		code = CodeInternal
	}
	return &Error{
		code:            code,
		message:         wire.Message,
		fieldViolations: append([]FieldViolation(nil), wire.FieldViolations...),
		retryAfter:      time.Duration(wire.RetryAfterMs) * time.Millisecond,
	}
}
