// Package memledger is an in-process token contract with the same function
// surface and failure classes as the deployed chaincode. It backs the
// development server and tests.
package memledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/ledger"
)

// Fault is a scripted failure for the next submission of an operation.
type Fault struct {
	Err error
	// Commit applies the operation before returning Err, simulating a
	// commit whose acknowledgement was lost.
	Commit bool
}

// Submission is one committed ledger transaction.
type Submission struct {
	TxID      string
	Submitter string
	Name      string
	Args      []string
}

// Ledger holds balances and implements ledger.Connector.
type Ledger struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	faults      map[string][]Fault
	submissions []Submission
	open        int
	latency     time.Duration
	operator    string
}

// New returns an empty ledger. operatorUserID is the only identity allowed to issue tokens.
func New(operatorUserID string) *Ledger {
	return &Ledger{
		balances: make(map[string]decimal.Decimal),
		faults:   make(map[string][]Fault),
		operator: operatorUserID,
	}
}

// SetLatency delays every call by d, honoring the caller's deadline.
func (l *Ledger) SetLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latency = d
}

// SetBalance overwrites an on-chain balance directly.
func (l *Ledger) SetBalance(accountID string, balance decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] = balance
}

func (l *Ledger) Balance(accountID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountID]
}

// FailNext queues f for the next submission of op.
func (l *Ledger) FailNext(op string, f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], f)
}

// Submissions returns the committed transactions in order.
func (l *Ledger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Submission, len(l.submissions))
	copy(out, l.submissions)
	return out
}

// OpenSessions returns the number of sessions not yet closed.
func (l *Ledger) OpenSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Connect implements ledger.Connector.
func (l *Ledger) Connect(ctx context.Context, identity *domain.LedgerIdentity) (ledger.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open++
	return &session{ledger: l, identity: identity}, nil
}

type session struct {
	ledger   *Ledger
	identity *domain.LedgerIdentity
	once     sync.Once
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.ledger.mu.Lock()
		s.ledger.open--
		s.ledger.mu.Unlock()
	})
	return nil
}

func (s *session) wait(ctx context.Context) error {
	s.ledger.mu.Lock()
	latency := s.ledger.latency
	s.ledger.mu.Unlock()
	if latency == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Submit(ctx context.Context, name string, args ...string) (*domain.LedgerReceipt, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	var fault *Fault
	if queued := l.faults[name]; len(queued) > 0 {
		fault = &queued[0]
		l.faults[name] = queued[1:]
		if !fault.Commit {
			return nil, fault.Err
		}
	}

	if err := l.apply(s.identity, name, args); err != nil {
		return nil, err
	}
	txID := uuid.NewString()
	l.submissions = append(l.submissions, Submission{TxID: txID, Submitter: s.identity.UserID, Name: name, Args: args})

	if fault != nil {
		return nil, fault.Err
	}
	return &domain.LedgerReceipt{TransactionID: txID}, nil
}

func (s *session) Evaluate(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if name != ledger.OpGetBalance || len(args) != 1 {
		return nil, fmt.Errorf("%w: unknown query %s/%d", domain.ErrLedgerRejected, name, len(args))
	}

	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[args[0]]
	return []byte(fmt.Sprintf(`{"accountId":%q,"balance":%q}`, args[0], ledger.FormatAmount(balance))), nil
}

// apply runs the contract logic; callers hold l.mu.
func (l *Ledger) apply(identity *domain.LedgerIdentity, name string, args []string) error {
	switch name {
	case ledger.OpIssueTokens:
		if len(args) != 2 {
			return fmt.Errorf("%w: IssueTokens takes 2 arguments", domain.ErrLedgerRejected)
		}
		if identity.UserID != l.operator {
			return fmt.Errorf("%w: %s may not issue tokens", domain.ErrLedgerRejected, identity.UserID)
		}
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		l.balances[args[0]] = l.balances[args[0]].Add(amount)
		return nil

	case ledger.OpTransferTokens:
		if len(args) != 3 {
			return fmt.Errorf("%w: TransferTokens takes 3 arguments", domain.ErrLedgerRejected)
		}
		from, to := args[0], args[1]
		if identity.AccountID() != from {
			return fmt.Errorf("%w: %s does not own account %s", domain.ErrLedgerRejected, identity.UserID, from)
		}
		amount, err := parseAmount(args[2])
		if err != nil {
			return err
		}
		if l.balances[from].LessThan(amount) {
			return fmt.Errorf("%w: insufficient funds in %s", domain.ErrLedgerRejected, from)
		}
		l.balances[from] = l.balances[from].Sub(amount)
		l.balances[to] = l.balances[to].Add(amount)
		return nil

	default:
		return fmt.Errorf("%w: unknown function %s", domain.ErrLedgerRejected, name)
	}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: invalid amount %q", domain.ErrLedgerRejected, raw)
	}
	return amount, nil
}
