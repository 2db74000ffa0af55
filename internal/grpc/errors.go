package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bookstore/stockcore/internal/apperr"
)

var codeOf = []struct {
	err  error
	code codes.Code
}{
	{apperr.ErrUnknownProduct, codes.NotFound},
	{apperr.ErrUnknownOrder, codes.NotFound},
	{apperr.ErrUnknownReservation, codes.NotFound},
	{apperr.ErrUnknownRefund, codes.NotFound},
	{apperr.ErrUnknownCustomer, codes.NotFound},
	{apperr.ErrInvalidArgument, codes.InvalidArgument},
	{apperr.ErrProductExists, codes.AlreadyExists},
	{apperr.ErrInsufficientStock, codes.FailedPrecondition},
	{apperr.ErrInvalidReservationState, codes.FailedPrecondition},
	{apperr.ErrInvalidTransition, codes.FailedPrecondition},
	{apperr.ErrRefundNotEligible, codes.FailedPrecondition},
	{apperr.ErrRefundAlreadyProcessed, codes.FailedPrecondition},
	{apperr.ErrProductInactive, codes.FailedPrecondition},
	{apperr.ErrContention, codes.Aborted},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// ToStatus converts a tool error to a gRPC status. Domain errors keep their
// message; anything else is reported as an internal error without details.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		return err
	}
	for _, c := range codeOf {
		if errors.Is(err, c.err) {
			return status.Error(c.code, err.Error())
		}
	}
	return status.Error(codes.Internal, "internal error")
}
