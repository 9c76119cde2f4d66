package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/simaogato/tokenwallet-backend/internal/adapter/ledger/memledger"
	"github.com/simaogato/tokenwallet-backend/internal/adapter/repository/memory"
	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/identity"
	"github.com/simaogato/tokenwallet-backend/internal/keylock"
	"github.com/simaogato/tokenwallet-backend/internal/ledger"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/pin"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/reconciler"
)

const (
	operatorID = "peer-admin"
	testPin    = "4321"
)

var (
	pinHashOnce sync.Once
	pinHash     string
)

func testPinHash(t *testing.T) string {
	pinHashOnce.Do(func() {
		var err error
		pinHash, err = pin.Hash(testPin)
		require.NoError(t, err)
	})
	return pinHash
}

type harness struct {
	svc        *Service
	store      *memory.Store
	chain      *memledger.Ledger
	identities *identity.StaticStore
	directory  *identity.Directory
	binding    *ledger.Binding
}

// newHarness wires the coordinator to the in-memory mirror and ledger, with
// each account funded identically on both sides.
func newHarness(t *testing.T, balances map[string]int64) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store := memory.NewStore()
	chain := memledger.New(operatorID)
	identities := identity.NewStaticStore(&domain.LedgerIdentity{UserID: operatorID, MSPID: "Org1MSP"})

	for id, balance := range balances {
		require.NoError(t, store.Users().Create(ctx, &domain.User{ID: id, Name: id, Email: id + "@example.com", PinHash: testPinHash(t)}))
		require.NoError(t, store.Accounts().Create(ctx, &domain.Account{ID: id, OwnerUserID: id, Balance: decimal.NewFromInt(balance)}))
		chain.SetBalance(id, decimal.NewFromInt(balance))
		identities.Put(&domain.LedgerIdentity{UserID: id, MSPID: "Org1MSP"})
	}

	directory, err := identity.NewDirectory(identities, identity.Options{}, logger)
	require.NoError(t, err)
	binding, err := ledger.NewBinding(chain, ledger.Config{ChannelName: "mychannel", ContractName: "basic", Timeout: time.Second}, logger)
	require.NoError(t, err)

	svc := NewService(Dependencies{
		Accounts:     store.Accounts(),
		Transactions: store.Transactions(),
		Projector:    store.Projector(),
		Users:        store.Users(),
		Identities:   directory,
		Ledger:       binding,
		Pins:         pin.NewBcryptVerifier(),
		Locks:        keylock.New(),
	}, Options{
		OperatorUserID: operatorID,
		Clock:          clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}, logger)

	return &harness{svc: svc, store: store, chain: chain, identities: identities, directory: directory, binding: binding}
}

// reconciler builds a repairing reconciler over the same stores. Passing a
// fresh locker models the reconcile command running in another process.
func (h *harness) reconciler(t *testing.T, locks *keylock.Locker) *reconciler.Service {
	return reconciler.NewService(reconciler.Dependencies{
		Accounts:        h.store.Accounts(),
		Transactions:    h.store.Transactions(),
		Reconciliations: h.store.Reconciliations(),
		Identities:      h.directory,
		Ledger:          h.binding,
		Locks:           locks,
	}, reconciler.Options{
		OperatorUserID: operatorID,
		Repair:         true,
		Clock:          clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)),
	}, zaptest.NewLogger(t))
}

func (h *harness) stored(t *testing.T, id uuid.UUID) *domain.Transaction {
	t.Helper()
	tx, err := h.store.Transactions().GetByID(context.Background(), id)
	require.NoError(t, err)
	return tx
}

// assertMirrorMatchesLedger fails if any account's mirror differs from the ledger.
func (h *harness) assertMirrorMatchesLedger(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		assert.True(t, h.mirror(t, id).Equal(h.chain.Balance(id)),
			"%s: mirror %s, ledger %s", id, h.mirror(t, id), h.chain.Balance(id))
	}
}

func (h *harness) mirror(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	account, err := h.store.Accounts().GetByID(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func (h *harness) records(t *testing.T) int {
	t.Helper()
	count, err := h.store.Transactions().Count(context.Background(), "")
	require.NoError(t, err)
	return count
}

func transfer(from, to string, amount int64) TransferInput {
	return TransferInput{SenderID: from, ReceiverID: to, Amount: decimal.NewFromInt(amount), Pin: testPin}
}

func TestTransfer_MovesFundsOnBothSides(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})

	tx, err := h.svc.Transfer(context.Background(), transfer("alice", "bob", 40))
	require.NoError(t, err)

	assert.Equal(t, domain.StateCommitted, tx.State)
	assert.Equal(t, domain.TransactionStatusCompleted, tx.Status)
	assert.NotEmpty(t, tx.LedgerTxID)

	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(60)))
	assert.True(t, h.mirror(t, "bob").Equal(decimal.NewFromInt(40)))
	assert.True(t, h.chain.Balance("alice").Equal(decimal.NewFromInt(60)))
	assert.True(t, h.chain.Balance("bob").Equal(decimal.NewFromInt(40)))

	stored, err := h.store.Transactions().GetByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, stored.Status)
	assert.Equal(t, 1, h.records(t))

	submissions := h.chain.Submissions()
	require.Len(t, submissions, 1)
	assert.Equal(t, "alice", submissions[0].Submitter)
	assert.Equal(t, []string{"alice", "bob", "40.00"}, submissions[0].Args)
	assert.Zero(t, h.chain.OpenSessions())
}

func TestTransfer_InsufficientFundsLeavesNoTrace(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 10, "bob": 0})

	tx, err := h.svc.Transfer(context.Background(), transfer("alice", "bob", 40))

	assert.Nil(t, tx)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Zero(t, h.records(t))
	assert.Empty(t, h.chain.Submissions())
	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(10)))
}

func TestMint_IssuesWithOperatorIdentity(t *testing.T) {
	h := newHarness(t, map[string]int64{"bob": 0})

	tx, err := h.svc.Mint(context.Background(), MintInput{ReceiverID: "bob", Amount: decimal.NewFromInt(50), Description: "welcome bonus"})
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionTypeMint, tx.Type)
	assert.Empty(t, tx.SenderID)
	assert.True(t, h.mirror(t, "bob").Equal(decimal.NewFromInt(50)))
	assert.True(t, h.chain.Balance("bob").Equal(decimal.NewFromInt(50)))

	submissions := h.chain.Submissions()
	require.Len(t, submissions, 1)
	assert.Equal(t, operatorID, submissions[0].Submitter)
	assert.Equal(t, ledger.OpIssueTokens, submissions[0].Name)
}

func TestTransfer_RejectedBeforeLedger(t *testing.T) {
	tests := []struct {
		name    string
		input   TransferInput
		setup   func(h *harness)
		wantErr error
	}{
		{
			name:    "wrong pin",
			input:   TransferInput{SenderID: "alice", ReceiverID: "bob", Amount: decimal.NewFromInt(1), Pin: "0000"},
			wantErr: domain.ErrUnauthorized,
		},
		{
			name:    "missing pin",
			input:   TransferInput{SenderID: "alice", ReceiverID: "bob", Amount: decimal.NewFromInt(1)},
			wantErr: domain.ErrUnauthorized,
		},
		{
			name:    "zero amount",
			input:   transfer("alice", "bob", 0),
			wantErr: domain.ErrValidation,
		},
		{
			name:    "sub-cent amount",
			input:   TransferInput{SenderID: "alice", ReceiverID: "bob", Amount: decimal.RequireFromString("0.001"), Pin: testPin},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "self transfer",
			input:   transfer("alice", "alice", 1),
			wantErr: domain.ErrValidation,
		},
		{
			name:    "receiver not enrolled",
			input:   transfer("alice", "carol", 1),
			wantErr: domain.ErrIdentityUnavailable,
		},
		{
			name:  "receiver has no account",
			input: transfer("alice", "carol", 1),
			setup: func(h *harness) {
				h.identities.Put(&domain.LedgerIdentity{UserID: "carol", MSPID: "Org1MSP"})
			},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
			if tt.setup != nil {
				tt.setup(h)
			}

			_, err := h.svc.Transfer(context.Background(), tt.input)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, h.chain.Submissions())
			assert.Zero(t, h.records(t))
			assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(100)))
		})
	}
}

func TestTransfer_LedgerRejectionFailsRecord(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
	h.chain.FailNext(ledger.OpTransferTokens, memledger.Fault{Err: fmt.Errorf("%w: endorsement policy failure", domain.ErrLedgerRejected)})

	tx, err := h.svc.Transfer(context.Background(), transfer("alice", "bob", 40))

	assert.ErrorIs(t, err, domain.ErrLedgerRejected)
	assert.False(t, domain.RequiresReconciliation(err))
	var opErr *domain.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, domain.StateRejected, opErr.State)

	stored, getErr := h.store.Transactions().GetByID(context.Background(), tx.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.TransactionStatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "endorsement policy failure")
	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(100)))
	assert.True(t, h.mirror(t, "bob").IsZero())

	// A rejection does not hold the sender's funds
	_, err = h.svc.Transfer(context.Background(), transfer("alice", "bob", 40))
	assert.NoError(t, err)
}

func TestTransfer_TimeoutLeavesOutcomeUnknown(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
	h.chain.FailNext(ledger.OpTransferTokens, memledger.Fault{
		Err:    fmt.Errorf("%w: commit status not received", domain.ErrLedgerTimeout),
		Commit: true,
	})

	tx, err := h.svc.Transfer(context.Background(), transfer("alice", "bob", 40))

	assert.ErrorIs(t, err, domain.ErrLedgerTimeout)
	assert.True(t, domain.RequiresReconciliation(err))
	assert.Equal(t, domain.StateLedgerUnknown, tx.State)

	// No speculative mirror update even though the ledger committed
	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(100)))
	assert.True(t, h.chain.Balance("alice").Equal(decimal.NewFromInt(60)))
	assert.Zero(t, h.chain.OpenSessions())

	stored, getErr := h.store.Transactions().GetByID(context.Background(), tx.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.TransactionStatusPending, stored.Status)

	// The sender cannot debit again until reconciliation resolves the record
	_, err = h.svc.Transfer(context.Background(), transfer("alice", "bob", 10))
	assert.ErrorIs(t, err, domain.ErrReconciliationPending)
	assert.Len(t, h.chain.Submissions(), 1)
}

func TestTransfer_SlowLedgerTimesOut(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
	h.chain.SetLatency(5 * time.Second)

	_, err := h.svc.Transfer(context.Background(), transfer("alice", "bob", 40))

	assert.ErrorIs(t, err, domain.ErrLedgerTimeout)
	assert.Zero(t, h.chain.OpenSessions())
	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(100)))
}

func TestTransfer_ProjectionFailureDiverges(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
	h.store.FailNextApply(errors.New("disk full"))

	tx, err := h.svc.Transfer(context.Background(), transfer("alice", "bob", 40))

	assert.ErrorIs(t, err, domain.ErrDiverged)
	assert.True(t, domain.RequiresReconciliation(err))
	assert.Equal(t, domain.StateDiverged, tx.State)

	stored, getErr := h.store.Transactions().GetByID(context.Background(), tx.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StateDiverged, stored.State)
	assert.Equal(t, domain.TransactionStatusPending, stored.Status)
	assert.NotEmpty(t, stored.LedgerTxID)

	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(100)))
	assert.True(t, h.chain.Balance("alice").Equal(decimal.NewFromInt(60)))
}

// interleavedProjector runs another writer between the coordinator reading
// account versions and applying its deltas.
type interleavedProjector struct {
	domain.Projector
	before func(ctx context.Context)
}

func (p *interleavedProjector) Apply(ctx context.Context, tx *domain.Transaction, legs []domain.ProjectionLeg) error {
	if p.before != nil {
		p.before(ctx)
		p.before = nil
	}
	return p.Projector.Apply(ctx, tx, legs)
}

func TestTransfer_ExternalRepairDuringProjectionDiverges(t *testing.T) {
	tests := []struct {
		name   string
		repair func(t *testing.T, ctx context.Context, r *reconciler.Service)
	}{
		{
			name: "account repair",
			repair: func(t *testing.T, ctx context.Context, r *reconciler.Service) {
				for _, id := range []string{"alice", "bob"} {
					entry, err := r.ReconcileAccount(ctx, id)
					require.NoError(t, err)
					assert.True(t, entry.Repaired, id)
				}
			},
		},
		{
			name: "full reconciliation run",
			repair: func(t *testing.T, ctx context.Context, r *reconciler.Service) {
				report, err := r.ReconcileAll(ctx)
				require.NoError(t, err)
				assert.Equal(t, 2, report.Repaired)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
			// Its own locker, as the reconcile command has in another process
			external := h.reconciler(t, keylock.New())
			h.svc.Projector = &interleavedProjector{
				Projector: h.store.Projector(),
				before:    func(ctx context.Context) { tt.repair(t, ctx, external) },
			}

			tx, err := h.svc.Transfer(ctx, transfer("alice", "bob", 40))

			assert.ErrorIs(t, err, domain.ErrDiverged)
			assert.ErrorIs(t, err, domain.ErrVersionConflict)
			assert.True(t, domain.RequiresReconciliation(err))
			assert.Equal(t, domain.StateDiverged, tx.State)

			// The repair already carried the transfer; it is not applied twice
			assert.True(t, h.chain.Balance("alice").Equal(decimal.NewFromInt(60)))
			assert.True(t, h.chain.Balance("bob").Equal(decimal.NewFromInt(40)))
			h.assertMirrorMatchesLedger(t, "alice", "bob")

			report, err := h.reconciler(t, keylock.New()).ReconcileAll(ctx)
			require.NoError(t, err)
			assert.Zero(t, report.Unresolved)
			assert.Equal(t, domain.TransactionStatusCompleted, h.stored(t, tx.ID).Status)
			h.assertMirrorMatchesLedger(t, "alice", "bob")

			_, err = h.svc.Transfer(ctx, transfer("alice", "bob", 10))
			assert.NoError(t, err)
			h.assertMirrorMatchesLedger(t, "alice", "bob")
		})
	}
}

// partialProjector writes its first leg on its own and then loses the
// second to a concurrent writer, as the non-atomic SQL projector can.
type partialProjector struct {
	accounts domain.AccountRepository
}

func (p *partialProjector) Atomic() bool { return false }

func (p *partialProjector) Apply(ctx context.Context, tx *domain.Transaction, legs []domain.ProjectionLeg) error {
	first := legs[0]
	account, err := p.accounts.GetByID(ctx, first.AccountID)
	if err != nil {
		return err
	}
	if err := p.accounts.SetBalance(ctx, first.AccountID, account.Balance.Add(first.Delta), first.ExpectedVersion); err != nil {
		return err
	}
	return fmt.Errorf("account %s: %w", legs[1].AccountID, domain.ErrVersionConflict)
}

func TestTransfer_PartialProjectionIsNeverReapplied(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
	h.svc.Projector = &partialProjector{accounts: h.store.Accounts()}

	_, err := h.svc.Transfer(ctx, transfer("alice", "bob", 40))
	require.ErrorIs(t, err, domain.ErrDiverged)

	// Only the first leg landed, exactly once
	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(60)))
	assert.True(t, h.mirror(t, "bob").IsZero())

	_, err = h.reconciler(t, keylock.New()).ReconcileAll(ctx)
	require.NoError(t, err)
	h.assertMirrorMatchesLedger(t, "alice", "bob")
}

// failingUpdates loses every state update while err is set.
type failingUpdates struct {
	domain.TransactionRepository
	err error
}

func (r *failingUpdates) UpdateState(ctx context.Context, tx *domain.Transaction) error {
	if r.err != nil {
		return r.err
	}
	return r.TransactionRepository.UpdateState(ctx, tx)
}

func TestTransfer_UnrecordedOutcomeIsRecoverable(t *testing.T) {
	tests := []struct {
		name    string
		fail    func(h *harness)
		wantErr error
	}{
		{
			name: "ledger timeout",
			fail: func(h *harness) {
				h.chain.FailNext(ledger.OpTransferTokens, memledger.Fault{
					Err:    fmt.Errorf("%w: commit status not received", domain.ErrLedgerTimeout),
					Commit: true,
				})
			},
			wantErr: domain.ErrLedgerTimeout,
		},
		{
			name:    "projection failure",
			fail:    func(h *harness) { h.store.FailNextApply(errors.New("connection reset")) },
			wantErr: domain.ErrDiverged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
			updates := &failingUpdates{TransactionRepository: h.store.Transactions(), err: errors.New("connection reset")}
			h.svc.Transactions = updates
			tt.fail(h)

			tx, err := h.svc.Transfer(ctx, transfer("alice", "bob", 40))
			require.ErrorIs(t, err, tt.wantErr)

			// Neither the submission nor the outcome reached the store
			stored := h.stored(t, tx.ID)
			assert.Equal(t, domain.StateAuthorized, stored.State)
			assert.Equal(t, domain.TransactionStatusPending, stored.Status)
			updates.err = nil

			_, err = h.svc.Transfer(ctx, transfer("alice", "bob", 1))
			require.ErrorIs(t, err, domain.ErrReconciliationPending)

			locks := keylock.New()
			report, err := h.reconciler(t, locks).ReconcileAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Unresolved)

			resolved, err := h.reconciler(t, locks).ResolvePending(ctx, tx.ID, true)
			require.NoError(t, err)
			assert.Equal(t, domain.StateCommitted, resolved.State)
			assert.Equal(t, domain.TransactionStatusCompleted, h.stored(t, tx.ID).Status)
			h.assertMirrorMatchesLedger(t, "alice", "bob")

			_, err = h.svc.Transfer(ctx, transfer("alice", "bob", 1))
			assert.NoError(t, err)
		})
	}
}

func TestTransfer_IdempotentRetry(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
	input := transfer("alice", "bob", 40)
	input.IdempotencyKey = "order-17"

	first, err := h.svc.Transfer(context.Background(), input)
	require.NoError(t, err)
	second, err := h.svc.Transfer(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.chain.Submissions(), 1)
	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(60)))

	other := transfer("alice", "bob", 41)
	other.IdempotencyKey = "order-17"
	_, err = h.svc.Transfer(context.Background(), other)
	assert.ErrorIs(t, err, domain.ErrValidation)

	wrongPin := input
	wrongPin.Pin = "0000"
	replayed, err := h.svc.Transfer(context.Background(), wrongPin)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Nil(t, replayed)

	wrongPin.Pin = ""
	_, err = h.svc.Transfer(context.Background(), wrongPin)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Len(t, h.chain.Submissions(), 1)
}

func TestTransfer_IdempotentRetryOfFailure(t *testing.T) {
	tests := []struct {
		name      string
		cause     error
		wantErr   error
		unwantErr error
	}{
		{
			name:      "rejected",
			cause:     fmt.Errorf("%w: chaincode error", domain.ErrLedgerRejected),
			wantErr:   domain.ErrLedgerRejected,
			unwantErr: domain.ErrLedgerUnavailable,
		},
		{
			name:      "unavailable",
			cause:     fmt.Errorf("%w: connection refused", domain.ErrLedgerUnavailable),
			wantErr:   domain.ErrLedgerUnavailable,
			unwantErr: domain.ErrLedgerRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
			h.chain.FailNext(ledger.OpTransferTokens, memledger.Fault{Err: tt.cause})
			input := transfer("alice", "bob", 40)
			input.IdempotencyKey = "order-18"

			_, first := h.svc.Transfer(context.Background(), input)
			require.ErrorIs(t, first, tt.wantErr)

			replayed, err := h.svc.Transfer(context.Background(), input)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotErrorIs(t, err, tt.unwantErr)
			assert.Equal(t, domain.TransactionStatusFailed, replayed.Status)
			assert.Empty(t, h.chain.Submissions())

			var firstOp, replayOp *domain.OperationError
			require.ErrorAs(t, first, &firstOp)
			require.ErrorAs(t, err, &replayOp)
			assert.Equal(t, firstOp.Err.Error(), replayOp.Err.Error())
		})
	}
}

func TestTransfer_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0, "carol": 0})

	const attempts = 10
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		receiver := "bob"
		if i%2 == 1 {
			receiver = "carol"
		}
		go func() {
			defer wg.Done()
			_, err := h.svc.Transfer(context.Background(), transfer("alice", receiver, 30))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	}

	assert.Equal(t, 3, succeeded)
	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(10)))
	assert.True(t, h.chain.Balance("alice").Equal(decimal.NewFromInt(10)))
	assert.True(t, h.mirror(t, "bob").Add(h.mirror(t, "carol")).Equal(decimal.NewFromInt(90)))
	assert.Equal(t, 3, h.records(t))
}

func TestExecute_Dispatch(t *testing.T) {
	tests := []struct {
		name    string
		input   CreateTransactionInput
		wantErr error
	}{
		{
			name:  "transfer",
			input: CreateTransactionInput{Type: domain.TransactionTypeTransfer, SenderID: "alice", ReceiverID: "bob", Amount: decimal.NewFromInt(5), Pin: testPin},
		},
		{
			name:  "mint",
			input: CreateTransactionInput{Type: domain.TransactionTypeMint, ReceiverID: "bob", Amount: decimal.NewFromInt(5)},
		},
		{
			name:    "mint with sender",
			input:   CreateTransactionInput{Type: domain.TransactionTypeMint, SenderID: "alice", ReceiverID: "bob", Amount: decimal.NewFromInt(5)},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "unknown type",
			input:   CreateTransactionInput{Type: "refund", ReceiverID: "bob", Amount: decimal.NewFromInt(5)},
			wantErr: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})

			tx, err := h.svc.Execute(context.Background(), tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input.Type, tx.Type)
			assert.True(t, h.mirror(t, "bob").Equal(decimal.NewFromInt(5)))
		})
	}
}

func TestListTransactions_NewestFirst(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0, "carol": 0})
	ctx := context.Background()

	first, err := h.svc.Transfer(ctx, transfer("alice", "bob", 10))
	require.NoError(t, err)
	_, err = h.svc.Transfer(ctx, transfer("alice", "carol", 10))
	require.NoError(t, err)
	last, err := h.svc.Transfer(ctx, transfer("bob", "alice", 5))
	require.NoError(t, err)

	page, err := h.svc.ListTransactions(ctx, "bob", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, DefaultPageSize, page.Limit)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, last.ID, page.Transactions[0].ID)
	assert.Equal(t, first.ID, page.Transactions[1].ID)

	page, err = h.svc.ListTransactions(ctx, "alice", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Transactions, 1)

	_, err = h.svc.ListTransactions(ctx, "alice", 10, -1)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.GetTransaction(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetBalance_CrossCheck(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100})
	ctx := context.Background()

	balance, err := h.svc.GetBalance(ctx, "alice", true)
	require.NoError(t, err)
	assert.True(t, balance.CrossChecked)
	assert.True(t, balance.InSync)

	h.chain.SetBalance("alice", decimal.NewFromInt(130))
	balance, err = h.svc.GetBalance(ctx, "alice", true)
	require.NoError(t, err)
	assert.False(t, balance.InSync)
	assert.True(t, balance.LedgerBalance.Equal(decimal.NewFromInt(130)))
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(100)))

	balance, err = h.svc.GetBalance(ctx, "alice", false)
	require.NoError(t, err)
	assert.False(t, balance.CrossChecked)

	_, err = h.svc.GetBalance(ctx, "nobody", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// MockLedger is a mock implementation of domain.Ledger for testing
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Submit(ctx context.Context, identity *domain.LedgerIdentity, op domain.LedgerOperation) (*domain.LedgerReceipt, error) {
	args := m.Called(ctx, identity, op)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LedgerReceipt), args.Error(1)
}

func (m *MockLedger) Evaluate(ctx context.Context, identity *domain.LedgerIdentity, op domain.LedgerOperation) ([]byte, error) {
	args := m.Called(ctx, identity, op)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockPinVerifier is a mock implementation of domain.PinVerifier for testing
type MockPinVerifier struct {
	mock.Mock
}

func (m *MockPinVerifier) Verify(hash, pin string) error {
	return m.Called(hash, pin).Error(0)
}

func TestTransfer_PinCheckedBeforeLedger(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
	mockLedger := new(MockLedger)
	mockPins := new(MockPinVerifier)
	h.svc.Ledger = mockLedger
	h.svc.Pins = mockPins

	mockPins.On("Verify", testPinHash(t), "9999").Return(fmt.Errorf("%w: invalid transaction pin", domain.ErrUnauthorized))

	_, err := h.svc.Transfer(context.Background(), TransferInput{SenderID: "alice", ReceiverID: "bob", Amount: decimal.NewFromInt(1), Pin: "9999"})

	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	mockPins.AssertExpectations(t)
	mockLedger.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestTransfer_LedgerUnavailableFailsRecord(t *testing.T) {
	h := newHarness(t, map[string]int64{"alice": 100, "bob": 0})
	mockLedger := new(MockLedger)
	h.svc.Ledger = mockLedger

	mockLedger.On("Submit", mock.Anything, mock.MatchedBy(func(id *domain.LedgerIdentity) bool {
		return id.UserID == "alice"
	}), ledger.TransferTokens("alice", "bob", decimal.NewFromInt(40))).
		Return(nil, fmt.Errorf("%w: connection refused", domain.ErrLedgerUnavailable))

	tx, err := h.svc.Transfer(context.Background(), transfer("alice", "bob", 40))

	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.Equal(t, domain.StateRejected, tx.State)
	assert.True(t, h.mirror(t, "alice").Equal(decimal.NewFromInt(100)))
	mockLedger.AssertExpectations(t)
}
