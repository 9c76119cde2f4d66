package grpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// Response trailer keys
const (
	HeaderReconciliationRequired = "reconciliation-required"
	HeaderTransactionID          = "transaction-id"
)

// errorCodes is checked in order; the first match wins.
var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{domain.ErrValidation, codes.InvalidArgument},
	{domain.ErrUnauthorized, codes.PermissionDenied},
	{domain.ErrIdentityUnavailable, codes.PermissionDenied},
	{domain.ErrDiverged, codes.DataLoss},
	{domain.ErrLedgerTimeout, codes.Unknown},
	{domain.ErrReconciliationPending, codes.FailedPrecondition},
	{domain.ErrInsufficientFunds, codes.FailedPrecondition},
	{domain.ErrLedgerRejected, codes.FailedPrecondition},
	{domain.ErrLedgerUnavailable, codes.Unavailable},
	{domain.ErrNotFound, codes.NotFound},
}

// mapError converts domain errors to gRPC status errors
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}

	// Default to Internal error for unknown errors
	return status.Error(codes.Internal, err.Error())
}
