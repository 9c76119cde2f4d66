package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

const transactionColumns = `id, sender_id, receiver_id, amount, type, description, status, state,
		idempotency_key, ledger_tx_id, failure_reason, created_at, updated_at`

// uniqueViolation is the postgres SQLSTATE for unique constraint violations
const uniqueViolation = "23505"

// transactionRepository implements domain.TransactionRepository
type transactionRepository struct {
	db *DB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *DB) domain.TransactionRepository {
	return &transactionRepository{db: db}
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var senderID, idempotencyKey sql.NullString
	var amountStr, txType, status, state string

	if err := row.Scan(
		&tx.ID,
		&senderID,
		&tx.ReceiverID,
		&amountStr,
		&txType,
		&tx.Description,
		&status,
		&state,
		&idempotencyKey,
		&tx.LedgerTxID,
		&tx.FailureReason,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	tx.Amount = amount
	tx.SenderID = senderID.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	tx.State = domain.SagaState(state)

	return &tx, nil
}

func (r *transactionRepository) queryList(ctx context.Context, query string, args ...interface{}) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]*domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}

// Create inserts a new transaction record
func (r *transactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID,
		nullIfEmpty(tx.SenderID),
		tx.ReceiverID,
		tx.Amount.String(),
		string(tx.Type),
		tx.Description,
		string(tx.Status),
		string(tx.State),
		nullIfEmpty(tx.IdempotencyKey),
		tx.LedgerTxID,
		tx.FailureReason,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("key %q: %w", tx.IdempotencyKey, domain.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a transaction by its ID
func (r *transactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no transaction with id %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// GetByIdempotencyKey retrieves the transaction created with key
func (r *transactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no transaction with key %q: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// ListByAccount retrieves a page of transactions involving accountID, newest first.
// If accountID is empty, returns all transactions
func (r *transactionRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transaction, error) {
	if accountID == "" {
		query := `
			SELECT ` + transactionColumns + `
			FROM transactions
			ORDER BY created_at DESC, id DESC
			LIMIT $1 OFFSET $2
		`
		return r.queryList(ctx, query, limit, offset)
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryList(ctx, query, accountID, limit, offset)
}

// Count returns the number of transactions involving accountID, or all of them
func (r *transactionRepository) Count(ctx context.Context, accountID string) (int, error) {
	var count int
	var err error

	if accountID == "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count)
	} else {
		query := `SELECT COUNT(*) FROM transactions WHERE sender_id = $1 OR receiver_id = $1`
		err = r.db.QueryRowContext(ctx, query, accountID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	return count, nil
}

// UpdateState persists the saga fields of a pending transaction
func (r *transactionRepository) UpdateState(ctx context.Context, tx *domain.Transaction) error {
	return updateState(ctx, r.db, tx)
}

func updateState(ctx context.Context, q execer, tx *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET status = $1, state = $2, ledger_tx_id = $3, failure_reason = $4, updated_at = $5
		WHERE id = $6 AND status = 'pending'
	`

	result, err := q.ExecContext(ctx, query,
		string(tx.Status),
		string(tx.State),
		tx.LedgerTxID,
		tx.FailureReason,
		tx.UpdatedAt,
		tx.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pending transaction %s: %w", tx.ID, domain.ErrNotFound)
	}

	return nil
}

// ListUnresolved retrieves pending transactions, oldest first
func (r *transactionRepository) ListUnresolved(ctx context.Context) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
	`
	return r.queryList(ctx, query)
}

// HasUnresolvedDebit reports whether accountID sent any pending transaction
func (r *transactionRepository) HasUnresolvedDebit(ctx context.Context, accountID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM transactions WHERE sender_id = $1 AND status = 'pending')`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, accountID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check pending transactions: %w", err)
	}
	return exists, nil
}
