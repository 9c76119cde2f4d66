// Package reconciler restores agreement between the off-chain mirror and
// the ledger. The ledger is authoritative: balances only ever flow from the
// ledger into the mirror.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/keylock"
	"github.com/simaogato/tokenwallet-backend/internal/ledger"
	"github.com/simaogato/tokenwallet-backend/internal/metrics"
)

// Report summarizes one ReconcileAll run
type Report struct {
	Checked    int
	InSync     int
	Repaired   int
	Diverged   int // differing balances left alone because repair is off
	Failed     int
	Resolved   int // committed records completed after their accounts agreed
	Unresolved int // records still awaiting a decision
}

// Dependencies are the collaborators of the Service.
// Locks must be the locker the coordinator uses.
type Dependencies struct {
	Accounts        domain.AccountRepository
	Transactions    domain.TransactionRepository
	Reconciliations domain.ReconciliationRepository
	Identities      domain.IdentityDirectory
	Ledger          domain.Ledger
	Locks           *keylock.Locker
}

type Options struct {
	OperatorUserID string
	// Repair overwrites differing mirror balances with the ledger value.
	Repair      bool
	Concurrency int
	Clock       clockwork.Clock
}

// Service compares mirrored balances with the ledger
type Service struct {
	Dependencies
	opts   Options
	logger *zap.Logger
}

func NewService(deps Dependencies, opts Options, logger *zap.Logger) *Service {
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Service{Dependencies: deps, opts: opts, logger: logger.Named("reconciler")}
}

// ReconcileAccount compares one account with the ledger and records the result
func (s *Service) ReconcileAccount(ctx context.Context, accountID string) (*domain.ReconciliationEntry, error) {
	accountID = domain.LedgerAccountID(accountID)
	unlock, err := s.Locks.Lock(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", accountID, err)
	}
	defer unlock()
	return s.reconcileLocked(ctx, accountID)
}

// reconcileLocked is ReconcileAccount for a caller already holding the account lock.
func (s *Service) reconcileLocked(ctx context.Context, accountID string) (*domain.ReconciliationEntry, error) {
	entry, err := s.reconcile(ctx, accountID)
	if err != nil {
		metrics.ReportReconciliation("failed")
		return nil, err
	}
	switch {
	case entry.InSync():
		metrics.ReportReconciliation("in_sync")
	case entry.Repaired:
		metrics.ReportReconciliation("repaired")
	default:
		metrics.ReportReconciliation("diverged")
	}
	return entry, nil
}

func (s *Service) reconcile(ctx context.Context, accountID string) (*domain.ReconciliationEntry, error) {
	account, err := s.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	operator, err := s.Identities.Resolve(ctx, s.opts.OperatorUserID)
	if err != nil {
		return nil, err
	}
	onChain, err := ledger.QueryBalance(ctx, s.Ledger, operator, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger balance of %s: %w", accountID, err)
	}

	entry := &domain.ReconciliationEntry{
		ID:              uuid.New(),
		AccountID:       accountID,
		OffChainBalance: account.Balance,
		OnChainBalance:  onChain,
		CheckedAt:       s.opts.Clock.Now(),
	}

	if !entry.InSync() {
		log := s.logger.With(
			zap.String("account", accountID),
			zap.String("mirror", account.Balance.String()),
			zap.String("ledger", onChain.String()),
			zap.String("divergence", entry.Divergence().String()),
		)
		if s.opts.Repair {
			if err := s.Accounts.SetBalance(ctx, accountID, onChain, account.Version); err != nil {
				return nil, fmt.Errorf("failed to repair account %s: %w", accountID, err)
			}
			entry.Repaired = true
			log.Warn("repaired mirror balance from ledger")
		} else {
			log.Warn("mirror balance differs from ledger")
		}
	}

	if err := s.Reconciliations.Add(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ReconcileAll checks every account, then completes records that committed
// on the ledger once their accounts agree with it.
func (s *Service) ReconcileAll(ctx context.Context) (*Report, error) {
	accounts, err := s.Accounts.List(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report = &Report{}
		failed = make(map[string]bool)
		eg     errgroup.Group
	)
	eg.SetLimit(s.opts.Concurrency)
	for _, account := range accounts {
		eg.Go(func() error {
			entry, err := s.ReconcileAccount(ctx, account.ID)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case err != nil:
				report.Failed++
				failed[account.ID] = true
				s.logger.Warn("account reconciliation failed", zap.String("account", account.ID), zap.Error(err))
			case entry.InSync():
				report.InSync++
			case entry.Repaired:
				report.Repaired++
			default:
				report.Diverged++
				failed[account.ID] = true
			}
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if err := s.resolveCommitted(ctx, report, failed); err != nil {
		return report, err
	}

	metrics.UnresolvedTransactions.WithLabelValues().Set(float64(report.Unresolved))
	s.logger.Info("reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("in_sync", report.InSync),
		zap.Int("repaired", report.Repaired),
		zap.Int("diverged", report.Diverged),
		zap.Int("failed", report.Failed),
		zap.Int("resolved", report.Resolved),
		zap.Int("unresolved", report.Unresolved),
	)
	return report, nil
}

// resolveCommitted completes records known to have committed on the
// ledger (DIVERGED, or stranded at LEDGER_SUBMITTED) once none of their
// accounts disagrees with it. Records whose outcome is unknown wait for
// ResolvePending.
func (s *Service) resolveCommitted(ctx context.Context, report *Report, unhealthy map[string]bool) error {
	pending, err := s.Transactions.ListUnresolved(ctx)
	if err != nil {
		return err
	}

	for _, listed := range pending {
		if touchesAny(listed, unhealthy) {
			report.Unresolved++
			continue
		}
		outcome, err := s.resolveIfCommitted(ctx, listed.ID)
		if err != nil {
			return err
		}
		switch outcome {
		case resolved:
			report.Resolved++
		case unresolved:
			report.Unresolved++
		}
	}
	return nil
}

type resolution int

const (
	unresolved resolution = iota
	resolved
	// settledElsewhere records were completed by another writer meanwhile.
	settledElsewhere
)

// resolveIfCommitted settles one record under its account locks. The
// accounts are checked again because a transfer may have diverged after
// the first pass looked at them.
func (s *Service) resolveIfCommitted(ctx context.Context, txID uuid.UUID) (resolution, error) {
	tx, unlock, err := s.lockRecord(ctx, txID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return settledElsewhere, nil
		}
		return unresolved, err
	}
	defer unlock()

	if tx.Status != domain.TransactionStatusPending {
		return settledElsewhere, nil
	}
	if err := tx.Unstrand(s.opts.Clock.Now()); err != nil {
		return unresolved, err
	}
	if tx.State != domain.StateDiverged {
		return unresolved, nil
	}
	agree, err := s.accountsAgree(ctx, tx)
	if err != nil {
		s.logger.Warn("could not confirm accounts of diverged transaction", zap.Stringer("tx", tx.ID), zap.Error(err))
		return unresolved, nil
	}
	if !agree {
		return unresolved, nil
	}

	if err := tx.Transition(domain.StateCommitted, s.opts.Clock.Now()); err != nil {
		return unresolved, err
	}
	if err := s.Transactions.UpdateState(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return settledElsewhere, nil
		}
		return unresolved, err
	}
	metrics.ReportTransaction(string(tx.Type), string(tx.State))
	s.logger.Info("diverged transaction resolved", zap.Stringer("tx", tx.ID))
	return resolved, nil
}

// lockRecord locks the accounts of a record and reads it again under the
// locks, so a coordinator in this process is never caught mid-saga.
func (s *Service) lockRecord(ctx context.Context, txID uuid.UUID) (*domain.Transaction, func(), error) {
	tx, err := s.Transactions.GetByID(ctx, txID)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.Locks.LockAll(ctx, tx.Accounts()...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock accounts: %w", err)
	}
	tx, err = s.Transactions.GetByID(ctx, txID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return tx, unlock, nil
}

// accountsAgree reconciles every account of tx; the caller holds their locks.
func (s *Service) accountsAgree(ctx context.Context, tx *domain.Transaction) (bool, error) {
	for _, accountID := range tx.Accounts() {
		entry, err := s.reconcileLocked(ctx, accountID)
		if err != nil {
			return false, err
		}
		if !entry.InSync() && !entry.Repaired {
			return false, nil
		}
	}
	return true, nil
}

func touchesAny(tx *domain.Transaction, accounts map[string]bool) bool {
	for _, id := range tx.Accounts() {
		if accounts[id] {
			return true
		}
	}
	return false
}

// ResolvePending records an operator decision for a transaction whose
// ledger outcome is unknown or whose projection diverged. A record stranded
// in AUTHORIZED or LEDGER_SUBMITTED, because its outcome was never
// persisted, is treated as LEDGER_UNKNOWN or DIVERGED respectively. The
// involved accounts are reconciled first so the mirror reflects the ledger
// whichever way the record is settled. A diverged transaction did commit on
// the ledger and can only be resolved as committed.
func (s *Service) ResolvePending(ctx context.Context, txID uuid.UUID, committed bool) (*domain.Transaction, error) {
	tx, unlock, err := s.lockRecord(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.opts.Clock.Now()
	if tx.Status == domain.TransactionStatusPending {
		if err := tx.Unstrand(now); err != nil {
			return nil, err
		}
	}
	if !tx.State.Unresolved() {
		return nil, domain.Validationf("transaction %s is %s, not awaiting reconciliation", tx.ID, tx.State)
	}
	if tx.State == domain.StateDiverged && !committed {
		return nil, domain.Validationf("transaction %s committed on the ledger and cannot be rejected", tx.ID)
	}

	for _, accountID := range tx.Accounts() {
		entry, err := s.reconcileLocked(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !entry.InSync() && !entry.Repaired {
			return nil, fmt.Errorf("%w: account %s still differs from the ledger", domain.ErrDiverged, accountID)
		}
	}

	if committed {
		err = tx.Transition(domain.StateCommitted, now)
	} else {
		err = tx.Fail("not committed on ledger, resolved by operator", now)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Transactions.UpdateState(ctx, tx); err != nil {
		return nil, err
	}

	metrics.ReportTransaction(string(tx.Type), string(tx.State))
	s.logger.Info("pending transaction resolved", zap.Stringer("tx", tx.ID), zap.Bool("committed", committed))
	return tx, nil
}

// LatestEntry returns the last reconciliation result for an account
func (s *Service) LatestEntry(ctx context.Context, accountID string) (*domain.ReconciliationEntry, error) {
	return s.Reconciliations.GetLatest(ctx, domain.LedgerAccountID(accountID))
}
