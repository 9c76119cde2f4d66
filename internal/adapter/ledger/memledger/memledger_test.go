package memledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/ledger"
)

var (
	operator = &domain.LedgerIdentity{UserID: "peer-admin"}
	alice    = &domain.LedgerIdentity{UserID: "alice"}
)

func newBinding(t *testing.T, l *Ledger, timeout time.Duration) *ledger.Binding {
	b, err := ledger.NewBinding(l, ledger.Config{ChannelName: "mychannel", ContractName: "basic", Timeout: timeout}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return b
}

func TestLedger_IssueAndTransfer(t *testing.T) {
	l := New("peer-admin")
	b := newBinding(t, l, time.Second)
	ctx := context.Background()

	_, err := b.Submit(ctx, operator, ledger.IssueTokens("alice", decimal.NewFromInt(100)))
	require.NoError(t, err)

	receipt, err := b.Submit(ctx, alice, ledger.TransferTokens("alice", "bob", decimal.NewFromInt(40)))
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TransactionID)

	assert.True(t, l.Balance("alice").Equal(decimal.NewFromInt(60)))
	assert.True(t, l.Balance("bob").Equal(decimal.NewFromInt(40)))

	balance, err := ledger.QueryBalance(ctx, b, operator, "bob")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(40)))

	assert.Len(t, l.Submissions(), 2)
	assert.Equal(t, 0, l.OpenSessions())
}

func TestLedger_Rejections(t *testing.T) {
	l := New("peer-admin")
	b := newBinding(t, l, time.Second)
	ctx := context.Background()
	l.SetBalance("alice", decimal.NewFromInt(10))

	tests := []struct {
		name     string
		identity *domain.LedgerIdentity
		op       domain.LedgerOperation
	}{
		{name: "Insufficient funds", identity: alice, op: ledger.TransferTokens("alice", "bob", decimal.NewFromInt(40))},
		{name: "Foreign account", identity: alice, op: ledger.TransferTokens("bob", "alice", decimal.NewFromInt(1))},
		{name: "Issue by non operator", identity: alice, op: ledger.IssueTokens("alice", decimal.NewFromInt(1))},
		{name: "Unknown function", identity: alice, op: domain.LedgerOperation{Name: "Burn"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Submit(ctx, tt.identity, tt.op)
			assert.ErrorIs(t, err, domain.ErrLedgerRejected)
		})
	}

	assert.True(t, l.Balance("alice").Equal(decimal.NewFromInt(10)))
	assert.Empty(t, l.Submissions())
	assert.Equal(t, 0, l.OpenSessions())
}

func TestLedger_FaultWithCommit(t *testing.T) {
	l := New("peer-admin")
	b := newBinding(t, l, time.Second)
	l.FailNext(ledger.OpIssueTokens, Fault{Err: context.DeadlineExceeded, Commit: true})

	_, err := b.Submit(context.Background(), operator, ledger.IssueTokens("bob", decimal.NewFromInt(5)))
	assert.ErrorIs(t, err, domain.ErrLedgerTimeout)
	// The ledger committed although the caller saw a timeout
	assert.True(t, l.Balance("bob").Equal(decimal.NewFromInt(5)))

	// Faults are consumed once
	_, err = b.Submit(context.Background(), operator, ledger.IssueTokens("bob", decimal.NewFromInt(5)))
	assert.NoError(t, err)
}

func TestLedger_LatencyHonorsDeadline(t *testing.T) {
	l := New("peer-admin")
	l.SetLatency(time.Second)
	b := newBinding(t, l, 30*time.Millisecond)

	_, err := b.Submit(context.Background(), operator, ledger.IssueTokens("bob", decimal.NewFromInt(5)))
	assert.ErrorIs(t, err, domain.ErrLedgerTimeout)
	assert.True(t, l.Balance("bob").IsZero())
	assert.Equal(t, 0, l.OpenSessions())
}
