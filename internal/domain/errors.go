package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Error kinds surfaced by the wallet. Callers match them with errors.Is;
// wrapped messages carry the detail.
var (
	ErrValidation            = errors.New("invalid request")
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrIdentityUnavailable   = errors.New("ledger identity unavailable")
	ErrInsufficientFunds     = errors.New("insufficient balance")
	ErrLedgerRejected        = errors.New("ledger rejected transaction")
	ErrLedgerTimeout         = errors.New("ledger outcome unknown")
	ErrLedgerUnavailable     = errors.New("ledger unavailable")
	ErrDiverged              = errors.New("off-chain projection diverged from ledger")
	ErrVersionConflict       = errors.New("account version conflict")
	ErrReconciliationPending = errors.New("unresolved transaction awaiting reconciliation")
	ErrDuplicateKey          = errors.New("duplicate idempotency key")
)

// OperationError carries the saga context of a transaction that failed after
// a record was persisted, so callers can point operators at the record.
type OperationError struct {
	TransactionID uuid.UUID
	State         SagaState
	Err           error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("transaction %s (%s): %v", e.TransactionID, e.State, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// RequiresReconciliation reports whether err leaves the ledger and the
// off-chain mirror possibly out of agreement. Such outcomes must not be
// retried blindly by the caller.
func RequiresReconciliation(err error) bool {
	return errors.Is(err, ErrLedgerTimeout) ||
		errors.Is(err, ErrDiverged) ||
		errors.Is(err, ErrReconciliationPending)
}

// Validationf builds an ErrValidation error with a formatted detail.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// failureKinds are the error kinds a rejected record can carry, most specific first.
var failureKinds = []error{ErrLedgerUnavailable, ErrLedgerRejected}

// FailureReasonOf renders cause for a failed record. The reason leads with
// the error kind so FailureCause can restore it on replay.
func FailureReasonOf(cause error) string {
	msg := cause.Error()
	for _, kind := range failureKinds {
		if errors.Is(cause, kind) {
			if strings.HasPrefix(msg, kind.Error()) {
				return msg
			}
			return kind.Error() + ": " + msg
		}
	}
	return msg
}

// FailureCause rebuilds the error a failed record was settled with.
// Reasons without a known kind report ErrLedgerRejected.
func FailureCause(reason string) error {
	for _, kind := range failureKinds {
		prefix := kind.Error()
		if reason == prefix || strings.HasPrefix(reason, prefix+": ") {
			return fmt.Errorf("%w%s", kind, strings.TrimPrefix(reason, prefix))
		}
	}
	return fmt.Errorf("%w: %s", ErrLedgerRejected, reason)
}
