package grpc

import (
	"context"
	"errors"
	"fmt"

	"tripbook/internal/booking"
	"tripbook/internal/booking/saga"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps domain errors to gRPC status codes for callers of the
// services hosted here.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !isDomainError(err) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, booking.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, saga.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, booking.ErrSagaInFlight), errors.Is(err, saga.ErrVersionConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, booking.ErrIdempotencyConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, booking.ErrVendorRejected),
		errors.Is(err, booking.ErrPaymentDeclined),
		errors.Is(err, booking.ErrPriceLockExpired):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, booking.ErrOutcomeUnknown):
		return status.Error(codes.Unknown, err.Error())
	case errors.Is(err, booking.ErrVendorUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func isDomainError(err error) bool {
	for _, target := range []error{
		booking.ErrValidation, booking.ErrVendorRejected, booking.ErrPaymentDeclined,
		booking.ErrOutcomeUnknown, booking.ErrVendorUnavailable, booking.ErrIdempotencyConflict,
		saga.ErrNotFound, booking.ErrSagaInFlight,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// fromStatus maps a remote call failure onto the booking error taxonomy.
// rejected is the definitive-refusal sentinel of the remote service
// (ErrVendorRejected for vendors, ErrPaymentDeclined for the gateway).
func fromStatus(op string, err error, rejected error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %s: %w", booking.ErrOutcomeUnknown, op, err)
	}
	var kind error
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		kind = booking.ErrVendorUnavailable
	case codes.FailedPrecondition, codes.InvalidArgument, codes.NotFound,
		codes.AlreadyExists, codes.PermissionDenied, codes.Unauthenticated,
		codes.Unimplemented, codes.OutOfRange:
		kind = rejected
	default:
		// DeadlineExceeded, Canceled, Unknown, Internal, DataLoss: the
		// request may have been applied.
		kind = booking.ErrOutcomeUnknown
	}
	return fmt.Errorf("%w: %s: %s (%s)", kind, op, st.Message(), st.Code())
}
