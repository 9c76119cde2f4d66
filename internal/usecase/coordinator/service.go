// Package coordinator moves wallet transactions through the dual-ledger
// saga: the distributed ledger is written first and the off-chain mirror
// second, and every outcome in between is recorded on the transaction.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/keylock"
	"github.com/simaogato/tokenwallet-backend/internal/ledger"
	"github.com/simaogato/tokenwallet-backend/internal/metrics"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TransferInput represents the input for a peer transfer
type TransferInput struct {
	SenderID       string
	ReceiverID     string
	Amount         decimal.Decimal
	Description    string
	Pin            string
	IdempotencyKey string // Optional
}

// MintInput represents the input for issuing new tokens
type MintInput struct {
	ReceiverID     string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string // Optional
}

// CreateTransactionInput is the single entry point for both transaction types
type CreateTransactionInput struct {
	Type           domain.TransactionType
	SenderID       string
	ReceiverID     string
	Amount         decimal.Decimal
	Description    string
	Pin            string
	IdempotencyKey string
}

// TransactionPage is one page of a user's transaction history
type TransactionPage struct {
	Transactions []*domain.Transaction
	Total        int
	Limit        int
	Offset       int
}

// Balance is an account's mirrored balance, optionally checked against the ledger
type Balance struct {
	AccountID     string
	Balance       decimal.Decimal
	Version       int64
	CrossChecked  bool
	LedgerBalance decimal.Decimal
	InSync        bool
}

// Dependencies are the collaborators of the Service
type Dependencies struct {
	Accounts     domain.AccountRepository
	Transactions domain.TransactionRepository
	Projector    domain.Projector
	Users        domain.UserRepository
	Identities   domain.IdentityDirectory
	Ledger       domain.Ledger
	Pins         domain.PinVerifier
	Locks        *keylock.Locker
}

// Options tune the Service
type Options struct {
	// OperatorUserID is the identity that signs issuance.
	OperatorUserID string
	Clock          clockwork.Clock
}

// Service coordinates transfers and mints
type Service struct {
	Dependencies
	operatorUserID string
	clock          clockwork.Clock
	logger         *zap.Logger
}

// NewService creates a new coordinator Service instance
func NewService(deps Dependencies, opts Options, logger *zap.Logger) *Service {
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Service{
		Dependencies:   deps,
		operatorUserID: opts.OperatorUserID,
		clock:          opts.Clock,
		logger:         logger.Named("coordinator"),
	}
}

// Transfer moves Amount from the sender to the receiver
func (s *Service) Transfer(ctx context.Context, input TransferInput) (*domain.Transaction, error) {
	tx := domain.NewTransaction(domain.TransactionTypeTransfer,
		domain.LedgerAccountID(input.SenderID), domain.LedgerAccountID(input.ReceiverID),
		input.Amount, input.Description, input.IdempotencyKey, s.clock.Now())
	return s.run(ctx, tx, input.Pin)
}

// Mint issues Amount to the receiver, signed by the operator identity
func (s *Service) Mint(ctx context.Context, input MintInput) (*domain.Transaction, error) {
	tx := domain.NewTransaction(domain.TransactionTypeMint,
		"", domain.LedgerAccountID(input.ReceiverID),
		input.Amount, input.Description, input.IdempotencyKey, s.clock.Now())
	return s.run(ctx, tx, "")
}

// Execute dispatches on the transaction type
func (s *Service) Execute(ctx context.Context, input CreateTransactionInput) (*domain.Transaction, error) {
	switch input.Type {
	case domain.TransactionTypeTransfer:
		return s.Transfer(ctx, TransferInput{
			SenderID:       input.SenderID,
			ReceiverID:     input.ReceiverID,
			Amount:         input.Amount,
			Description:    input.Description,
			Pin:            input.Pin,
			IdempotencyKey: input.IdempotencyKey,
		})
	case domain.TransactionTypeMint:
		if input.SenderID != "" {
			return nil, domain.Validationf("mint must not have a sender")
		}
		return s.Mint(ctx, MintInput{
			ReceiverID:     input.ReceiverID,
			Amount:         input.Amount,
			Description:    input.Description,
			IdempotencyKey: input.IdempotencyKey,
		})
	default:
		return nil, domain.Validationf("unknown transaction type %q", input.Type)
	}
}

// run drives tx through the saga.
// Logic:
//  1. Validate, then check the PIN before anything else is read
//  2. Replay an earlier request with the same idempotency key
//  3. Lock the touched accounts, resolve identities and check balances
//  4. Persist the record as AUTHORIZED
//  5. Submit to the ledger, then project onto the mirror
func (s *Service) run(ctx context.Context, tx *domain.Transaction, pin string) (*domain.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	if tx.Type == domain.TransactionTypeTransfer {
		if err := s.authorize(ctx, tx.SenderID, pin); err != nil {
			return nil, err
		}
	}

	if tx.IdempotencyKey != "" {
		existing, err := s.Transactions.GetByIdempotencyKey(ctx, tx.IdempotencyKey)
		if err == nil {
			return s.replay(existing, tx)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	unlock, err := s.Locks.LockAll(ctx, tx.Accounts()...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock accounts: %w", err)
	}
	defer unlock()

	submitter, err := s.precheck(ctx, tx)
	if err != nil {
		return nil, err
	}

	if err := tx.Transition(domain.StateAuthorized, s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.Transactions.Create(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			// Lost a race with a concurrent request carrying the same key.
			existing, lookupErr := s.Transactions.GetByIdempotencyKey(ctx, tx.IdempotencyKey)
			if lookupErr != nil {
				return nil, fmt.Errorf("failed to look up idempotency key: %w", lookupErr)
			}
			return s.replay(existing, tx)
		}
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	// The ledger may commit even if the caller goes away; what follows the
	// submission must still run to record the outcome.
	ctx = context.WithoutCancel(ctx)

	return s.submit(ctx, tx, submitter)
}

func (s *Service) authorize(ctx context.Context, senderID, pin string) error {
	if pin == "" {
		return fmt.Errorf("%w: transaction PIN is required", domain.ErrUnauthorized)
	}
	user, err := s.Users.GetByID(ctx, senderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: unknown sender %s", domain.ErrUnauthorized, senderID)
		}
		return fmt.Errorf("failed to load sender: %w", err)
	}
	return s.Pins.Verify(user.PinHash, pin)
}

// precheck runs the checks that need the account locks and returns the
// identity the ledger submission is signed with.
func (s *Service) precheck(ctx context.Context, tx *domain.Transaction) (*domain.LedgerIdentity, error) {
	signerID := s.operatorUserID
	if tx.Type == domain.TransactionTypeTransfer {
		signerID = tx.SenderID
	}
	submitter, err := s.Identities.Resolve(ctx, signerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Identities.Resolve(ctx, tx.ReceiverID); err != nil {
		return nil, err
	}

	if _, err := s.Accounts.GetByID(ctx, tx.ReceiverID); err != nil {
		return nil, err
	}

	if tx.Type == domain.TransactionTypeTransfer {
		sender, err := s.Accounts.GetByID(ctx, tx.SenderID)
		if err != nil {
			return nil, err
		}
		pending, err := s.Transactions.HasUnresolvedDebit(ctx, tx.SenderID)
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, fmt.Errorf("%w: account %s has an unresolved transfer", domain.ErrReconciliationPending, tx.SenderID)
		}
		if !sender.CanDebit(tx.Amount) {
			return nil, fmt.Errorf("%w: account %s holds %s, needs %s",
				domain.ErrInsufficientFunds, tx.SenderID, sender.Balance.StringFixed(domain.AmountScale), tx.Amount.StringFixed(domain.AmountScale))
		}
	}

	return submitter, nil
}

func (s *Service) submit(ctx context.Context, tx *domain.Transaction, submitter *domain.LedgerIdentity) (*domain.Transaction, error) {
	log := s.logger.With(zap.Stringer("tx", tx.ID), zap.String("type", string(tx.Type)))

	receipt, err := s.Ledger.Submit(ctx, submitter, ledger.OperationFor(tx))
	if err != nil {
		if errors.Is(err, domain.ErrLedgerTimeout) {
			return tx, s.settle(ctx, tx, domain.StateLedgerUnknown, err, func() {
				log.Warn("ledger outcome unknown, awaiting reconciliation", zap.Error(err))
			})
		}
		return tx, s.settle(ctx, tx, domain.StateRejected, err, func() {
			log.Info("ledger did not accept transaction", zap.Error(err))
		})
	}

	tx.LedgerTxID = receipt.TransactionID
	if err := tx.Transition(domain.StateLedgerSubmitted, s.clock.Now()); err != nil {
		return tx, err
	}
	if err := s.Transactions.UpdateState(ctx, tx); err != nil {
		log.Warn("failed to record ledger submission", zap.Error(err))
	}

	if err := s.project(ctx, tx); err != nil {
		diverged := fmt.Errorf("%w: %w", domain.ErrDiverged, err)
		return tx, s.settle(ctx, tx, domain.StateDiverged, diverged, func() {
			log.Error("ledger committed but mirror was not updated",
				zap.Bool("integrity", true),
				zap.String("ledger_tx", tx.LedgerTxID),
				zap.Error(err))
			metrics.ReportDivergence(string(tx.Type))
		})
	}

	metrics.ReportTransaction(string(tx.Type), string(tx.State))
	log.Debug("transaction committed", zap.String("ledger_tx", tx.LedgerTxID))
	return tx, nil
}

// settle moves tx to a non-committed outcome, persists it and wraps cause
// with the saga context.
func (s *Service) settle(ctx context.Context, tx *domain.Transaction, state domain.SagaState, cause error, report func()) error {
	var err error
	if state == domain.StateRejected {
		err = tx.Fail(domain.FailureReasonOf(cause), s.clock.Now())
	} else {
		tx.FailureReason = cause.Error()
		err = tx.Transition(state, s.clock.Now())
	}
	if err != nil {
		return err
	}

	report()
	metrics.ReportTransaction(string(tx.Type), string(state))

	if err := s.Transactions.UpdateState(ctx, tx); err != nil {
		s.logger.Error("failed to record transaction outcome",
			zap.Stringer("tx", tx.ID),
			zap.String("state", string(state)),
			zap.Error(err))
	}
	return &domain.OperationError{TransactionID: tx.ID, State: tx.State, Err: cause}
}

// project applies tx to the mirror once. The coordinator holds the account
// locks, so a version conflict means a writer outside this process, such as
// reconciliation in another process, already set the account from the ledger,
// and that value includes tx. The conflict is left for reconciliation and
// the delta is never applied again.
func (s *Service) project(ctx context.Context, tx *domain.Transaction) error {
	legs, err := s.legs(ctx, tx)
	if err != nil {
		return err
	}

	next := *tx
	if err := next.Transition(domain.StateProjectionApplied, s.clock.Now()); err != nil {
		return err
	}
	if err := next.Transition(domain.StateCommitted, s.clock.Now()); err != nil {
		return err
	}

	if err := s.Projector.Apply(ctx, &next, legs); err != nil {
		return err
	}
	*tx = next
	return nil
}

// legs reads the current account versions and refuses deltas the mirror
// cannot absorb without going negative.
func (s *Service) legs(ctx context.Context, tx *domain.Transaction) ([]domain.ProjectionLeg, error) {
	deltas := tx.Deltas()
	legs := make([]domain.ProjectionLeg, 0, len(deltas))
	for _, d := range deltas {
		account, err := s.Accounts.GetByID(ctx, d.AccountID)
		if err != nil {
			return nil, err
		}
		if account.Balance.Add(d.Amount).IsNegative() {
			return nil, fmt.Errorf("account %s holds %s and cannot absorb %s", account.ID, account.Balance, d.Amount)
		}
		legs = append(legs, domain.ProjectionLeg{AccountID: d.AccountID, Delta: d.Amount, ExpectedVersion: account.Version})
	}
	return legs, nil
}

// replay answers a request whose idempotency key was already used.
// The ledger is never contacted again.
func (s *Service) replay(existing, request *domain.Transaction) (*domain.Transaction, error) {
	if !existing.SameRequest(request) {
		return nil, domain.Validationf("idempotency key %q was used for a different request", request.IdempotencyKey)
	}

	switch existing.Status {
	case domain.TransactionStatusCompleted:
		return existing, nil
	case domain.TransactionStatusFailed:
		return existing, &domain.OperationError{
			TransactionID: existing.ID,
			State:         existing.State,
			Err:           domain.FailureCause(existing.FailureReason),
		}
	default:
		return existing, &domain.OperationError{
			TransactionID: existing.ID,
			State:         existing.State,
			Err:           domain.ErrReconciliationPending,
		}
	}
}

// ListTransactions returns a page of the transactions userID sent or received, newest first
func (s *Service) ListTransactions(ctx context.Context, userID string, limit, offset int) (*TransactionPage, error) {
	accountID := domain.LedgerAccountID(userID)
	if accountID == "" {
		return nil, domain.Validationf("user id is required")
	}
	if offset < 0 {
		return nil, domain.Validationf("offset must not be negative")
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	transactions, err := s.Transactions.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.Transactions.Count(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &TransactionPage{Transactions: transactions, Total: total, Limit: limit, Offset: offset}, nil
}

// GetTransaction returns a transaction by its ID
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.Transactions.GetByID(ctx, id)
}

// GetBalance returns the mirrored balance of accountID. With crossCheck it
// also asks the ledger, signed by the operator, and reports whether both agree.
func (s *Service) GetBalance(ctx context.Context, accountID string, crossCheck bool) (*Balance, error) {
	accountID = domain.LedgerAccountID(accountID)
	if accountID == "" {
		return nil, domain.Validationf("account id is required")
	}

	account, err := s.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	result := &Balance{AccountID: account.ID, Balance: account.Balance, Version: account.Version, InSync: true}
	if !crossCheck {
		return result, nil
	}

	operator, err := s.Identities.Resolve(ctx, s.operatorUserID)
	if err != nil {
		return nil, err
	}
	onChain, err := ledger.QueryBalance(ctx, s.Ledger, operator, accountID)
	if err != nil {
		return nil, err
	}
	result.CrossChecked = true
	result.LedgerBalance = onChain
	result.InSync = onChain.Equal(account.Balance)
	if !result.InSync {
		s.logger.Warn("mirror balance disagrees with ledger",
			zap.String("account", accountID),
			zap.String("mirror", account.Balance.String()),
			zap.String("ledger", onChain.String()))
	}
	return result, nil
}
