package domain

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountRepository defines the interface for account mirror persistence operations
type AccountRepository interface {
	// GetByID retrieves an account by its ID
	GetByID(ctx context.Context, id string) (*Account, error)

	// Create creates a new account
	Create(ctx context.Context, account *Account) error

	// List retrieves all accounts ordered by ID
	List(ctx context.Context) ([]*Account, error)

	// SetBalance overwrites the balance if the stored version still equals expectedVersion.
	// Returns ErrVersionConflict otherwise. Only reconciliation calls this.
	SetBalance(ctx context.Context, id string, balance decimal.Decimal, expectedVersion int64) error
}

// TransactionRepository defines the interface for off-chain transaction record persistence
type TransactionRepository interface {
	// Create persists a new record.
	// Returns ErrDuplicateKey when the idempotency key is already taken.
	Create(ctx context.Context, tx *Transaction) error

	// GetByID retrieves a record by its ID
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// GetByIdempotencyKey retrieves the record created with key
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// ListByAccount retrieves records where the account is sender or receiver, newest first.
	// If accountID is empty, returns all records
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error)

	// Count returns the number of records involving accountID, or all records if it is empty
	Count(ctx context.Context, accountID string) (int, error)

	// UpdateState persists the saga fields of tx (status, state, ledger tx id, failure reason).
	// Returns ErrNotFound unless the record exists and is still pending.
	UpdateState(ctx context.Context, tx *Transaction) error

	// ListUnresolved retrieves pending records, oldest first
	ListUnresolved(ctx context.Context) ([]*Transaction, error)

	// HasUnresolvedDebit reports whether accountID is the sender of any pending record
	HasUnresolvedDebit(ctx context.Context, accountID string) (bool, error)
}

// Projector applies a ledger-confirmed transaction to the off-chain mirror.
type Projector interface {
	// Apply adds every leg's delta to its account and persists tx's state.
	// Each leg is rejected with ErrVersionConflict if the account version moved.
	// Atomic implementations apply all of it or none of it.
	Apply(ctx context.Context, tx *Transaction, legs []ProjectionLeg) error

	// Atomic reports whether Apply is all-or-nothing.
	Atomic() bool
}

// UserRepository defines the interface for user lookups
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, user *User) error
	Count(ctx context.Context) (int, error)
}

// IdentityRepository is the read-only store of enrolled ledger identities
type IdentityRepository interface {
	Lookup(ctx context.Context, userID string) (*LedgerIdentity, error)
	List(ctx context.Context) ([]*LedgerIdentity, error)
}

// IdentityDirectory resolves the credential to sign with for a user.
// Resolution fails closed with ErrIdentityUnavailable.
type IdentityDirectory interface {
	Resolve(ctx context.Context, userID string) (*LedgerIdentity, error)
}

// ReconciliationRepository defines the interface for reconciliation audit persistence
type ReconciliationRepository interface {
	// Add creates a new reconciliation entry
	Add(ctx context.Context, entry *ReconciliationEntry) error

	// GetLatest retrieves the most recent entry for a given account
	GetLatest(ctx context.Context, accountID string) (*ReconciliationEntry, error)
}

// PinVerifier checks a transaction PIN against its stored hash.
// Returns ErrUnauthorized on mismatch.
type PinVerifier interface {
	Verify(hash, pin string) error
}

// LedgerOperation is a chaincode function invocation.
type LedgerOperation struct {
	Name string
	Args []string
}

// LedgerReceipt confirms a committed ledger transaction.
type LedgerReceipt struct {
	TransactionID string
	Payload       []byte
}

// Ledger is the authoritative distributed ledger, reached with a caller's identity.
//
// Submit blocks until the transaction commits. Errors are classified as
// ErrLedgerRejected (nothing committed), ErrLedgerTimeout (outcome unknown)
// or ErrLedgerUnavailable (nothing submitted).
type Ledger interface {
	Submit(ctx context.Context, identity *LedgerIdentity, op LedgerOperation) (*LedgerReceipt, error)
	Evaluate(ctx context.Context, identity *LedgerIdentity, op LedgerOperation) ([]byte, error)
}
