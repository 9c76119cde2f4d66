package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountScale is the number of fraction digits the ledger stores.
const AmountScale = 2

// TransactionType distinguishes peer transfers from issuance
type TransactionType string

const (
	TransactionTypeTransfer TransactionType = "transfer"
	TransactionTypeMint     TransactionType = "mint"
)

// TransactionStatus is the externally visible outcome of a transaction record
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Transaction is the off-chain record of a transfer or mint.
// A record is created pending once the request is authorized and is
// updated in place until it is completed or failed; after that it is immutable.
type Transaction struct {
	ID             uuid.UUID
	SenderID       string // empty for mint
	ReceiverID     string
	Amount         decimal.Decimal
	Type           TransactionType
	Description    string
	Status         TransactionStatus
	State          SagaState
	IdempotencyKey string
	LedgerTxID     string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewTransaction builds an INITIATED transaction stamped at now.
func NewTransaction(txType TransactionType, senderID, receiverID string, amount decimal.Decimal, description, idempotencyKey string, now time.Time) *Transaction {
	return &Transaction{
		ID:             uuid.New(),
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Amount:         amount,
		Type:           txType,
		Description:    description,
		Status:         TransactionStatusPending,
		State:          StateInitiated,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate ensures the transaction adheres to domain rules
// Logic:
//   - Amount must be strictly positive with at most AmountScale fraction digits
//   - A transfer names both parties and they must differ
//   - A mint names only the receiver
func (t *Transaction) Validate() error {
	if t.Amount.LessThanOrEqual(decimal.Zero) {
		return Validationf("amount must be positive")
	}
	if !t.Amount.Equal(t.Amount.Truncate(AmountScale)) {
		return Validationf("amount must have at most %d decimal places", AmountScale)
	}
	if t.ReceiverID == "" {
		return Validationf("receiver is required")
	}

	switch t.Type {
	case TransactionTypeTransfer:
		if t.SenderID == "" {
			return Validationf("sender is required for a transfer")
		}
		if t.SenderID == t.ReceiverID {
			return Validationf("sender and receiver must differ")
		}
	case TransactionTypeMint:
		if t.SenderID != "" {
			return Validationf("mint must not have a sender")
		}
	default:
		return Validationf("unknown transaction type %q", t.Type)
	}

	return nil
}

// Deltas returns the balance changes the transaction applies to the mirror.
func (t *Transaction) Deltas() []BalanceDelta {
	deltas := make([]BalanceDelta, 0, 2)
	if t.Type == TransactionTypeTransfer {
		deltas = append(deltas, BalanceDelta{AccountID: LedgerAccountID(t.SenderID), Amount: t.Amount.Neg()})
	}
	deltas = append(deltas, BalanceDelta{AccountID: LedgerAccountID(t.ReceiverID), Amount: t.Amount})
	return deltas
}

// Accounts returns the account ids the transaction touches.
func (t *Transaction) Accounts() []string {
	deltas := t.Deltas()
	ids := make([]string, 0, len(deltas))
	for _, d := range deltas {
		ids = append(ids, d.AccountID)
	}
	return ids
}

// Involves reports whether accountID is a party to the transaction.
func (t *Transaction) Involves(accountID string) bool {
	for _, id := range t.Accounts() {
		if id == accountID {
			return true
		}
	}
	return false
}

// SameRequest reports whether other describes the same operation.
// Used to reject idempotency keys reused for a different request.
func (t *Transaction) SameRequest(other *Transaction) bool {
	return t.Type == other.Type &&
		t.SenderID == other.SenderID &&
		t.ReceiverID == other.ReceiverID &&
		t.Amount.Equal(other.Amount)
}

// Transition moves the saga to next and keeps Status in step with it.
func (t *Transaction) Transition(next SagaState, at time.Time) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("illegal saga transition %s -> %s", t.State, next)
	}
	t.State = next
	t.Status = next.Status()
	t.UpdatedAt = at
	return nil
}

// Fail rejects the transaction with reason.
func (t *Transaction) Fail(reason string, at time.Time) error {
	if err := t.Transition(StateRejected, at); err != nil {
		return err
	}
	t.FailureReason = reason
	return nil
}

// Unstrand moves a record found in a pass-through state to the unresolved
// state it stands for. Records in any other state are left alone.
func (t *Transaction) Unstrand(at time.Time) error {
	next, ok := t.State.Stranded()
	if !ok {
		return nil
	}
	return t.Transition(next, at)
}
