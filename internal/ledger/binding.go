package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/metrics"
)

// Session is a connection to the contract scoped to one identity.
// Sessions are never shared between requests.
type Session interface {
	// Submit endorses, orders and waits for commit of a transaction.
	Submit(ctx context.Context, name string, args ...string) (*domain.LedgerReceipt, error)
	// Evaluate runs a read-only query.
	Evaluate(ctx context.Context, name string, args ...string) ([]byte, error)
	Close() error
}

// Connector opens identity-scoped sessions.
type Connector interface {
	Connect(ctx context.Context, identity *domain.LedgerIdentity) (Session, error)
}

// Binding is the ledger client used by the rest of the wallet.
// Every call gets its own session, bounded by Config.Timeout, and the
// session is released on every exit path.
type Binding struct {
	connector Connector
	cfg       Config
	logger    *zap.Logger
}

// NewBinding validates cfg and returns a Binding over connector.
func NewBinding(connector Connector, cfg Config, logger *zap.Logger) (*Binding, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Binding{
		connector: connector,
		cfg:       cfg,
		logger:    logger.Named("ledger"),
	}, nil
}

// WithSession opens a session as identity, runs fn and closes the session
// whatever fn returns.
func (b *Binding) WithSession(ctx context.Context, identity *domain.LedgerIdentity, fn func(context.Context, Session) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	session, err := b.connector.Connect(ctx, identity)
	if err != nil {
		return fmt.Errorf("%w: connect as %s: %v", domain.ErrLedgerUnavailable, identity.UserID, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			b.logger.Warn("failed to close ledger session", zap.String("user", identity.UserID), zap.Error(cerr))
		}
	}()

	return fn(ctx, session)
}

// Submit runs a state-changing operation and waits for its commit.
func (b *Binding) Submit(ctx context.Context, identity *domain.LedgerIdentity, op domain.LedgerOperation) (*domain.LedgerReceipt, error) {
	start := time.Now()
	var receipt *domain.LedgerReceipt
	err := b.WithSession(ctx, identity, func(ctx context.Context, s Session) error {
		var serr error
		receipt, serr = s.Submit(ctx, op.Name, op.Args...)
		if serr != nil {
			return classifySubmit(serr)
		}
		return nil
	})
	b.observe(op, "submit", start, err)

	if err != nil {
		b.logger.Warn("ledger submission failed",
			zap.String("operation", op.Name),
			zap.String("user", identity.UserID),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}

	b.logger.Debug("ledger submission committed",
		zap.String("operation", op.Name),
		zap.String("ledger_tx_id", receipt.TransactionID),
		zap.Duration("took", time.Since(start)),
	)
	return receipt, nil
}

// Evaluate runs a read-only query. Failures never leave ambiguity, so
// anything that is not a rejection is reported as ErrLedgerUnavailable.
func (b *Binding) Evaluate(ctx context.Context, identity *domain.LedgerIdentity, op domain.LedgerOperation) ([]byte, error) {
	start := time.Now()
	var result []byte
	err := b.WithSession(ctx, identity, func(ctx context.Context, s Session) error {
		var eerr error
		result, eerr = s.Evaluate(ctx, op.Name, op.Args...)
		if eerr != nil {
			return classifyEvaluate(eerr)
		}
		return nil
	})
	b.observe(op, "evaluate", start, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// QueryBalance evaluates GetBalance for accountID as identity.
func QueryBalance(ctx context.Context, l domain.Ledger, identity *domain.LedgerIdentity, accountID string) (decimal.Decimal, error) {
	payload, err := l.Evaluate(ctx, identity, GetBalance(accountID))
	if err != nil {
		return decimal.Zero, err
	}
	return ParseBalance(payload)
}

func (b *Binding) observe(op domain.LedgerOperation, kind string, start time.Time, err error) {
	metrics.ReportLedgerCall(op.Name, kind, outcome(err), time.Since(start))
}

// classifySubmit maps a submit failure onto the error kinds callers act on.
// Only failures that prove nothing was committed count as rejections;
// everything else leaves the outcome unknown.
func classifySubmit(err error) error {
	if errors.Is(err, domain.ErrLedgerRejected) ||
		errors.Is(err, domain.ErrLedgerTimeout) ||
		errors.Is(err, domain.ErrLedgerUnavailable) {
		return err
	}
	// Deadlines and transport errors after the proposal left the process land here.
	return fmt.Errorf("%w: %v", domain.ErrLedgerTimeout, err)
}

func classifyEvaluate(err error) error {
	if errors.Is(err, domain.ErrLedgerRejected) || errors.Is(err, domain.ErrLedgerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrLedgerRejected):
		return "rejected"
	case errors.Is(err, domain.ErrLedgerTimeout):
		return "unknown"
	default:
		return "unavailable"
	}
}
