package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

func seedAccounts(t *testing.T, s *Store, balances map[string]int64) {
	t.Helper()
	for id, balance := range balances {
		require.NoError(t, s.Accounts().Create(context.Background(), &domain.Account{
			ID: id, OwnerUserID: id, Balance: decimal.NewFromInt(balance),
		}))
	}
}

func pendingTransfer(t *testing.T, s *Store, from, to string, amount int64, key string, at time.Time) *domain.Transaction {
	t.Helper()
	tx := domain.NewTransaction(domain.TransactionTypeTransfer, from, to, decimal.NewFromInt(amount), "", key, at)
	require.NoError(t, tx.Transition(domain.StateAuthorized, at))
	require.NoError(t, s.Transactions().Create(context.Background(), tx))
	return tx
}

func TestProjector_ApplyAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccounts(t, s, map[string]int64{"alice": 100, "bob": 0})
	tx := pendingTransfer(t, s, "alice", "bob", 40, "", time.Now())

	require.NoError(t, tx.Transition(domain.StateLedgerSubmitted, time.Now()))
	require.NoError(t, tx.Transition(domain.StateProjectionApplied, time.Now()))
	require.NoError(t, tx.Transition(domain.StateCommitted, time.Now()))

	// Stale version on the second leg rejects the whole projection
	err := s.Projector().Apply(ctx, tx, []domain.ProjectionLeg{
		{AccountID: "alice", Delta: decimal.NewFromInt(-40), ExpectedVersion: 0},
		{AccountID: "bob", Delta: decimal.NewFromInt(40), ExpectedVersion: 7},
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	alice, _ := s.Accounts().GetByID(ctx, "alice")
	assert.True(t, alice.Balance.Equal(decimal.NewFromInt(100)))
	stored, _ := s.Transactions().GetByID(ctx, tx.ID)
	assert.Equal(t, domain.TransactionStatusPending, stored.Status)

	require.NoError(t, s.Projector().Apply(ctx, tx, []domain.ProjectionLeg{
		{AccountID: "alice", Delta: decimal.NewFromInt(-40), ExpectedVersion: 0},
		{AccountID: "bob", Delta: decimal.NewFromInt(40), ExpectedVersion: 0},
	}))
	alice, _ = s.Accounts().GetByID(ctx, "alice")
	bob, _ := s.Accounts().GetByID(ctx, "bob")
	assert.True(t, alice.Balance.Equal(decimal.NewFromInt(60)))
	assert.True(t, bob.Balance.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, int64(1), alice.Version)
	stored, _ = s.Transactions().GetByID(ctx, tx.ID)
	assert.Equal(t, domain.TransactionStatusCompleted, stored.Status)

	// Completed records are never projected twice
	err = s.Projector().Apply(ctx, tx, []domain.ProjectionLeg{
		{AccountID: "alice", Delta: decimal.NewFromInt(-40), ExpectedVersion: 1},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProjector_FailNextApply(t *testing.T) {
	s := NewStore()
	seedAccounts(t, s, map[string]int64{"bob": 0})
	tx := domain.NewTransaction(domain.TransactionTypeMint, "", "bob", decimal.NewFromInt(5), "", "", time.Now())
	require.NoError(t, s.Transactions().Create(context.Background(), tx))

	boom := errors.New("disk full")
	s.FailNextApply(boom)
	err := s.Projector().Apply(context.Background(), tx, []domain.ProjectionLeg{{AccountID: "bob", Delta: decimal.NewFromInt(5)}})
	assert.ErrorIs(t, err, boom)

	bob, _ := s.Accounts().GetByID(context.Background(), "bob")
	assert.True(t, bob.Balance.IsZero())
	assert.True(t, s.Projector().Atomic())
}

func TestTransactions_IdempotencyKeyIsUnique(t *testing.T) {
	s := NewStore()
	first := pendingTransfer(t, s, "alice", "bob", 1, "key-1", time.Now())

	dup := domain.NewTransaction(domain.TransactionTypeTransfer, "alice", "bob", decimal.NewFromInt(1), "", "key-1", time.Now())
	err := s.Transactions().Create(context.Background(), dup)
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)

	found, err := s.Transactions().GetByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestTransactions_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	oldest := pendingTransfer(t, s, "alice", "bob", 1, "", base)
	middle := pendingTransfer(t, s, "bob", "carol", 2, "", base.Add(time.Minute))
	newest := pendingTransfer(t, s, "carol", "alice", 3, "", base.Add(2*time.Minute))

	all, err := s.Transactions().ListByAccount(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []interface{}{newest.ID, middle.ID, oldest.ID}, []interface{}{all[0].ID, all[1].ID, all[2].ID})

	bobs, err := s.Transactions().ListByAccount(ctx, "bob", 1, 1)
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, oldest.ID, bobs[0].ID)

	count, err := s.Transactions().Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	unresolved, err := s.Transactions().ListUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 3)
	assert.Equal(t, oldest.ID, unresolved[0].ID)

	has, err := s.Transactions().HasUnresolvedDebit(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.Transactions().HasUnresolvedDebit(ctx, "dave")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestAccounts_SetBalance(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccounts(t, s, map[string]int64{"alice": 60})

	err := s.Accounts().SetBalance(ctx, "alice", decimal.NewFromInt(100), 3)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	require.NoError(t, s.Accounts().SetBalance(ctx, "alice", decimal.NewFromInt(100), 0))
	alice, _ := s.Accounts().GetByID(ctx, "alice")
	assert.True(t, alice.Balance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1), alice.Version)

	_, err = s.Accounts().GetByID(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconciliations_GetLatest(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	repo := s.Reconciliations()

	_, err := repo.GetLatest(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.Add(ctx, &domain.ReconciliationEntry{AccountID: "alice", OnChainBalance: decimal.NewFromInt(1)}))
	require.NoError(t, repo.Add(ctx, &domain.ReconciliationEntry{AccountID: "alice", OnChainBalance: decimal.NewFromInt(2)}))
	latest, err := repo.GetLatest(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, latest.OnChainBalance.Equal(decimal.NewFromInt(2)))
}
