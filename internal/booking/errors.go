package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation             = errors.New("invalid package selection")
	ErrVendorUnavailable      = errors.New("vendor unavailable")
	ErrVendorRejected         = errors.New("vendor rejected request")
	ErrOutcomeUnknown         = errors.New("outcome unknown")
	ErrPriceLockExpired       = errors.New("price lock expired")
	ErrPaymentDeclined        = errors.New("payment declined")
	ErrPartialBookingFailure  = errors.New("partial booking failure")
	ErrCompensationIncomplete = errors.New("compensation incomplete")
	ErrSagaDeadline           = errors.New("saga deadline exceeded")
	ErrSagaCancelled          = errors.New("saga cancelled by operator")
	// ErrNotSent marks a call that was stopped locally, by an open breaker
	// or the rate limiter, and never reached the remote side.
	ErrNotSent = errors.New("request not sent")

	ErrIdempotencyConflict    = errors.New("idempotency key reused with different amount")
	ErrPaymentGatewayRequired = errors.New("payment gateway is required")
	ErrUnknownVendor          = errors.New("unknown vendor")
	ErrSagaInFlight           = errors.New("saga already running")
)

// ValidationError lists every problem found in a package selection.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ErrorKind classifies a failure recorded on a saga.
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindValidation             ErrorKind = "ValidationError"
	KindVendorUnavailable      ErrorKind = "VendorUnavailable"
	KindVendorRejected         ErrorKind = "VendorRejected"
	KindOutcomeUnknown         ErrorKind = "OutcomeUnknown"
	KindPriceLockExpired       ErrorKind = "PriceLockExpired"
	KindPaymentDeclined        ErrorKind = "PaymentDeclined"
	KindPartialBookingFailure  ErrorKind = "PartialBookingFailure"
	KindCompensationIncomplete ErrorKind = "CompensationIncomplete"
	KindDeadline               ErrorKind = "DeadlineExceeded"
	KindCancelled              ErrorKind = "Cancelled"
	KindInternal               ErrorKind = "Internal"
)

// KindOf maps err onto the error taxonomy. The most specific saga-level
// classification wins.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCompensationIncomplete):
		return KindCompensationIncomplete
	case errors.Is(err, ErrPartialBookingFailure):
		return KindPartialBookingFailure
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPriceLockExpired):
		return KindPriceLockExpired
	case errors.Is(err, ErrPaymentDeclined):
		return KindPaymentDeclined
	case errors.Is(err, ErrSagaCancelled):
		return KindCancelled
	case errors.Is(err, ErrSagaDeadline):
		return KindDeadline
	case errors.Is(err, ErrVendorRejected):
		return KindVendorRejected
	case errors.Is(err, ErrOutcomeUnknown),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindOutcomeUnknown
	case errors.Is(err, ErrVendorUnavailable):
		return KindVendorUnavailable
	}
	return KindInternal
}

// Ambiguous reports whether err leaves the remote outcome undetermined:
// the call may or may not have taken effect.
func Ambiguous(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrOutcomeUnknown) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
