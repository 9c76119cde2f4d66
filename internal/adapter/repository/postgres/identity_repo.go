package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// identityRepository implements domain.IdentityRepository.
// Enrollment writes these rows; the wallet only reads them.
type identityRepository struct {
	db *DB
}

// NewIdentityRepository creates a read-only ledger identity repository
func NewIdentityRepository(db *DB) domain.IdentityRepository {
	return &identityRepository{db: db}
}

func scanIdentity(row rowScanner) (*domain.LedgerIdentity, error) {
	var identity domain.LedgerIdentity
	var certificate string

	if err := row.Scan(&identity.UserID, &identity.MSPID, &certificate, &identity.PrivateKeyRef); err != nil {
		return nil, err
	}
	identity.Certificate = []byte(certificate)

	return &identity, nil
}

// Lookup retrieves the enrolled identity of a user
func (r *identityRepository) Lookup(ctx context.Context, userID string) (*domain.LedgerIdentity, error) {
	query := `
		SELECT user_id, msp_id, certificate, private_key_ref
		FROM ledger_identities
		WHERE user_id = $1
	`

	identity, err := scanIdentity(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("identity for %s: %w", userID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	return identity, nil
}

// List retrieves every enrolled identity ordered by user ID
func (r *identityRepository) List(ctx context.Context) ([]*domain.LedgerIdentity, error) {
	query := `
		SELECT user_id, msp_id, certificate, private_key_ref
		FROM ledger_identities
		ORDER BY user_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	identities := make([]*domain.LedgerIdentity, 0)
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identities: %w", err)
	}

	return identities, nil
}
