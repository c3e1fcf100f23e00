package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups error codes by how callers are expected to react.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindForbidden             Kind = "forbidden"
	KindConflict              Kind = "conflict"
	KindProvider              Kind = "provider"
	KindProviderNotConfigured Kind = "provider_not_configured"
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindInternal              Kind = "internal"
)

// Stable error codes exposed to clients.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	CodeOrderNotFound         = "ORDER_NOT_FOUND"
	CodePaymentNotFound       = "PAYMENT_NOT_FOUND"
	CodeSelfBookingForbidden  = "SELF_BOOKING_FORBIDDEN"
	CodeForbidden             = "FORBIDDEN"
	CodeInvalidDateRange      = "INVALID_DATE_RANGE"
	CodeSlotConflict          = "SLOT_CONFLICT"
	CodeResourceUnavailable   = "RESOURCE_UNAVAILABLE"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeStaleWrite            = "STALE_WRITE"
	CodeOrderNotYetDue        = "ORDER_NOT_YET_DUE"
	CodeProviderError         = "PROVIDER_ERROR"
	CodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	CodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	CodeInvalidSignature      = "INVALID_SIGNATURE"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error is the single error type returned across service boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so sentinels work with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the same request may succeed if repeated later.
func (e *Error) Retryable() bool {
	return e.Kind == KindProviderUnavailable || e.Kind == KindInternal
}

// Sentinels for errors.Is checks.
var (
	ErrValidation            = &Error{Kind: KindValidation, Code: CodeValidation, Message: "invalid request"}
	ErrResourceNotFound      = &Error{Kind: KindNotFound, Code: CodeResourceNotFound, Message: "resource not found"}
	ErrOrderNotFound         = &Error{Kind: KindNotFound, Code: CodeOrderNotFound, Message: "order not found"}
	ErrPaymentNotFound       = &Error{Kind: KindNotFound, Code: CodePaymentNotFound, Message: "payment not found"}
	ErrSelfBookingForbidden  = &Error{Kind: KindForbidden, Code: CodeSelfBookingForbidden, Message: "owners cannot book their own resource"}
	ErrForbidden             = &Error{Kind: KindForbidden, Code: CodeForbidden, Message: "caller is not a party to this order"}
	ErrInvalidDateRange      = &Error{Kind: KindValidation, Code: CodeInvalidDateRange, Message: "invalid date range"}
	ErrSlotConflict          = &Error{Kind: KindConflict, Code: CodeSlotConflict, Message: "requested window overlaps an existing booking"}
	ErrResourceUnavailable   = &Error{Kind: KindConflict, Code: CodeResourceUnavailable, Message: "resource is not rentable"}
	ErrInvalidTransition     = &Error{Kind: KindConflict, Code: CodeInvalidTransition, Message: "illegal status transition"}
	ErrStaleWrite            = &Error{Kind: KindConflict, Code: CodeStaleWrite, Message: "record was modified concurrently"}
	ErrOrderNotYetDue        = &Error{Kind: KindValidation, Code: CodeOrderNotYetDue, Message: "order cannot be completed before its end date"}
	ErrProvider              = &Error{Kind: KindProvider, Code: CodeProviderError, Message: "payment provider error"}
	ErrProviderNotConfigured = &Error{Kind: KindProviderNotConfigured, Code: CodeProviderNotConfigured, Message: "payment provider not configured"}
	ErrProviderUnavailable   = &Error{Kind: KindProviderUnavailable, Code: CodeProviderUnavailable, Message: "payment provider unavailable"}
	ErrInvalidSignature      = &Error{Kind: KindValidation, Code: CodeInvalidSignature, Message: "callback signature verification failed"}
	ErrInternal              = &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal server error"}
)

// New derives an error from a sentinel with a specific message.
func New(sentinel *Error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Code:    sentinel.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap derives an error from a sentinel and keeps cause for logging.
func Wrap(sentinel *Error, cause error, format string, args ...interface{}) *Error {
	e := New(sentinel, format, args...)
	e.Err = cause
	return e
}

// Validation is shorthand for a VALIDATION_ERROR.
func Validation(format string, args ...interface{}) *Error {
	return New(ErrValidation, format, args...)
}

// InvalidTransition reports an order or payment pair outside the transition table.
func InvalidTransition(from, to string) *Error {
	return New(ErrInvalidTransition, "cannot transition from %s to %s", from, to)
}

// Internal wraps an unexpected failure.
func Internal(cause error, format string, args ...interface{}) *Error {
	return Wrap(ErrInternal, cause, format, args...)
}

// From returns err as an *Error, classifying unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err, "unexpected error")
}

// KindOf returns the kind of err, or KindInternal when it is not an *Error.
func KindOf(err error) Kind {
	return From(err).Kind
}

// IsRetryable reports whether err is worth repeating later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return From(err).Retryable()
}

// HTTPStatus maps an error to the response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindProviderNotConfigured:
		return http.StatusUnprocessableEntity
	case KindProvider:
		return http.StatusBadGateway
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides internal details from clients.
func PublicMessage(err error) string {
	e := From(err)
	if e.Kind == KindInternal {
		return ErrInternal.Message
	}
	return e.Message
}
