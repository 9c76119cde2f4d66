package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReconciliationEntry records one comparison of an account's mirrored balance
// with the balance the ledger reports.
// The ledger value is authoritative; when Repaired is set the mirror was
// overwritten with OnChainBalance.
type ReconciliationEntry struct {
	ID              uuid.UUID
	AccountID       string
	OffChainBalance decimal.Decimal
	OnChainBalance  decimal.Decimal
	Repaired        bool
	CheckedAt       time.Time
}

// Divergence is the on-chain balance minus the off-chain balance.
func (e *ReconciliationEntry) Divergence() decimal.Decimal {
	return e.OnChainBalance.Sub(e.OffChainBalance)
}

// InSync reports whether both balances agreed when checked.
func (e *ReconciliationEntry) InSync() bool {
	return e.OnChainBalance.Equal(e.OffChainBalance)
}
