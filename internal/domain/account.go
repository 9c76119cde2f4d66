package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the off-chain mirror of a ledger account.
// Balance is a cached view of the on-chain balance and is never ahead of it.
// Version is incremented on every balance write and guards against lost updates.
type Account struct {
	ID          string
	OwnerUserID string
	Balance     decimal.Decimal
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate ensures the account adheres to domain rules
func (a *Account) Validate() error {
	if a.ID == "" {
		return Validationf("account id is required")
	}
	if a.OwnerUserID == "" {
		return Validationf("account owner is required")
	}
	if a.Balance.IsNegative() {
		return Validationf("account balance must not be negative")
	}
	if a.Version < 0 {
		return Validationf("account version must not be negative")
	}
	return nil
}

// CanDebit reports whether the mirrored balance covers amount.
func (a *Account) CanDebit(amount decimal.Decimal) bool {
	return a.Balance.GreaterThanOrEqual(amount)
}

// BalanceDelta is a signed change to one account's balance.
type BalanceDelta struct {
	AccountID string
	Amount    decimal.Decimal
}

// ProjectionLeg is a balance delta bound to the account version it was computed against.
type ProjectionLeg struct {
	AccountID       string
	Delta           decimal.Decimal
	ExpectedVersion int64
}
