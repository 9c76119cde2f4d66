package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// projector implements domain.Projector
type projector struct {
	db     *DB
	atomic bool
}

// NewProjector creates a projector. With atomic set, balance legs and the
// record update share one database transaction. Without it they are applied
// one statement at a time and a failure part way leaves a partial
// projection for reconciliation to repair.
func NewProjector(db *DB, atomic bool) domain.Projector {
	return &projector{db: db, atomic: atomic}
}

func (p *projector) Atomic() bool {
	return p.atomic
}

// Apply writes every leg and then completes the record
func (p *projector) Apply(ctx context.Context, tx *domain.Transaction, legs []domain.ProjectionLeg) error {
	if !p.atomic {
		return applyProjection(ctx, p.db, tx, legs)
	}
	return p.db.withTx(ctx, func(dbTx *sql.Tx) error {
		return applyProjection(ctx, dbTx, tx, legs)
	})
}

func applyProjection(ctx context.Context, q execer, tx *domain.Transaction, legs []domain.ProjectionLeg) error {
	query := `
		UPDATE accounts
		SET balance = balance + $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
	`

	for _, leg := range legs {
		result, err := q.ExecContext(ctx, query,
			leg.Delta.String(),
			tx.UpdatedAt,
			leg.AccountID,
			leg.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to apply balance delta to account %s: %w", leg.AccountID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("account %s not at version %d: %w", leg.AccountID, leg.ExpectedVersion, domain.ErrVersionConflict)
		}
	}

	return updateState(ctx, q, tx)
}
