package gwtypes

import (
	"fmt"
	"net/http"
)

// ErrorKind enumerates the tagged error cases from the admission pipeline's
// error handling design. Each kind maps to one HTTP status, except that
// KindPaymentInvalid and KindCoalescerTimeout pick between two statuses by
// their reason (see HTTPStatus).
type ErrorKind string

const (
	KindMalformedRequest    ErrorKind = "malformed_request"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindTokenExpired        ErrorKind = "token_expired"
	KindPaymentInvalid      ErrorKind = "payment_invalid"
	KindRateLimited         ErrorKind = "rate_limited"
	KindCapacityExceeded    ErrorKind = "capacity_exceeded"
	KindCapacityCheckFailed ErrorKind = "capacity_check_failed"
	KindCoalescerTimeout    ErrorKind = "coalescer_timeout"
	KindFacilitatorTransport ErrorKind = "facilitator_transport"
	KindDependencyUnavailable ErrorKind = "dependency_unavailable"
	KindInternal            ErrorKind = "internal"
)

// Common facilitator sub-reasons propagated verbatim in the reason field.
const (
	ReasonMempoolCapacityExceeded = "mempool_capacity_exceeded"
	ReasonChainQueryFailed        = "chain_query_failed"
	ReasonSignatureInvalid        = "signature_invalid"
	ReasonNonceUsed               = "nonce_used"
)

// Error is the sum type every gateway component returns for a request-scoped
// failure. It carries the fields needed to build the HTTP response so the
// admission pipeline never has to re-derive them.
type Error struct {
	Kind       ErrorKind
	Reason     string // facilitator-supplied or internally assigned sub-reason
	Message    string
	RetryAfter int // seconds, only meaningful for KindRateLimited/KindTokenExpired bans
	Wrapped    error

	// reservedAtFailure marks a failure that happened after a capacity
	// reservation was taken and released, which changes the status
	// assigned to a mempool_capacity_exceeded settlement reason.
	reservedAtFailure bool
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// HTTPStatus maps the error kind to the status code named in the external
// interface section.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMalformedRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindTokenExpired:
		return http.StatusGone
	case KindPaymentInvalid:
		// step 6 maps mempool_capacity_exceeded to 402-with-reason;
		// step 10 maps the same reason to 400-with-reason post-reserve.
		if e.Reason == ReasonMempoolCapacityExceeded && e.reservedAtFailure {
			return http.StatusBadRequest
		}
		return http.StatusPaymentRequired
	case KindRateLimited, KindCapacityExceeded:
		return http.StatusTooManyRequests
	case KindCapacityCheckFailed, KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case KindCoalescerTimeout:
		if e.Reason == ReasonChainQueryFailed {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New constructs a tagged error.
func New(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a tagged error with a formatted message.
func Newf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a tagged error around an underlying cause.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// WithReason attaches a facilitator or internal sub-reason.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithRetryAfter attaches a retry-after duration in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// MarkPostReserve records that this failure happened after a capacity
// reservation was taken, which the pipeline must have already released.
func (e *Error) MarkPostReserve() *Error {
	e.reservedAtFailure = true
	return e
}
