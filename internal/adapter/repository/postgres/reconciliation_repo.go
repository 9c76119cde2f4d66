package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// reconciliationRepository implements domain.ReconciliationRepository
type reconciliationRepository struct {
	db *DB
}

// NewReconciliationRepository creates a new reconciliation audit repository
func NewReconciliationRepository(db *DB) domain.ReconciliationRepository {
	return &reconciliationRepository{db: db}
}

// Add creates a new reconciliation entry
func (r *reconciliationRepository) Add(ctx context.Context, entry *domain.ReconciliationEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `
		INSERT INTO reconciliation_entries (id, account_id, off_chain_balance, on_chain_balance, repaired, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.AccountID,
		entry.OffChainBalance.String(),
		entry.OnChainBalance.String(),
		entry.Repaired,
		entry.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation entry: %w", err)
	}

	return nil
}

// GetLatest retrieves the most recent reconciliation entry for a given account
func (r *reconciliationRepository) GetLatest(ctx context.Context, accountID string) (*domain.ReconciliationEntry, error) {
	query := `
		SELECT id, account_id, off_chain_balance, on_chain_balance, repaired, checked_at
		FROM reconciliation_entries
		WHERE account_id = $1
		ORDER BY checked_at DESC
		LIMIT 1
	`

	var entry domain.ReconciliationEntry
	var offChainStr, onChainStr string

	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&entry.ID,
		&entry.AccountID,
		&offChainStr,
		&onChainStr,
		&entry.Repaired,
		&entry.CheckedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no reconciliation entry found for account %s: %w", accountID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest reconciliation entry: %w", err)
	}

	if entry.OffChainBalance, err = decimal.NewFromString(offChainStr); err != nil {
		return nil, fmt.Errorf("failed to parse off_chain_balance: %w", err)
	}
	if entry.OnChainBalance, err = decimal.NewFromString(onChainStr); err != nil {
		return nil, fmt.Errorf("failed to parse on_chain_balance: %w", err)
	}

	return &entry, nil
}
