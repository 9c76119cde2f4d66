// Package memory keeps the off-chain mirror in process memory. It backs the
// development server and tests; every write happens under one lock, so its
// projector is atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// Store holds accounts, transaction records, users and reconciliation entries.
// Repositories returned by its accessor methods share the same data.
type Store struct {
	mu              sync.RWMutex
	accounts        map[string]domain.Account
	transactions    map[uuid.UUID]domain.Transaction
	sequence        map[uuid.UUID]int
	keys            map[string]uuid.UUID
	users           map[string]domain.User
	reconciliations []domain.ReconciliationEntry
	applyFaults     []error
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[string]domain.Account),
		transactions: make(map[uuid.UUID]domain.Transaction),
		sequence:     make(map[uuid.UUID]int),
		keys:         make(map[string]uuid.UUID),
		users:        make(map[string]domain.User),
	}
}

func (s *Store) Accounts() domain.AccountRepository { return &accountRepository{s} }

func (s *Store) Transactions() domain.TransactionRepository { return &transactionRepository{s} }

func (s *Store) Projector() domain.Projector { return &projector{s} }

func (s *Store) Users() domain.UserRepository { return &userRepository{s} }

func (s *Store) Reconciliations() domain.ReconciliationRepository {
	return &reconciliationRepository{s}
}

// FailNextApply makes the next projection fail with err without writing anything.
func (s *Store) FailNextApply(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyFaults = append(s.applyFaults, err)
}

type accountRepository struct{ s *Store }

func (r *accountRepository) GetByID(_ context.Context, id string) (*domain.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	account, ok := r.s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return &account, nil
}

func (r *accountRepository) Create(_ context.Context, account *domain.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[account.ID]; ok {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	r.s.accounts[account.ID] = *account
	return nil
}

func (r *accountRepository) List(_ context.Context) ([]*domain.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*domain.Account, 0, len(r.s.accounts))
	for _, account := range r.s.accounts {
		account := account
		out = append(out, &account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *accountRepository) SetBalance(_ context.Context, id string, balance decimal.Decimal, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	account, ok := r.s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	if account.Version != expectedVersion {
		return fmt.Errorf("account %s at version %d, expected %d: %w", id, account.Version, expectedVersion, domain.ErrVersionConflict)
	}
	account.Balance = balance
	account.Version++
	r.s.accounts[id] = account
	return nil
}

type transactionRepository struct{ s *Store }

func (r *transactionRepository) Create(_ context.Context, tx *domain.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if tx.IdempotencyKey != "" {
		if _, ok := r.s.keys[tx.IdempotencyKey]; ok {
			return fmt.Errorf("key %q: %w", tx.IdempotencyKey, domain.ErrDuplicateKey)
		}
		r.s.keys[tx.IdempotencyKey] = tx.ID
	}
	r.s.transactions[tx.ID] = *tx
	r.s.sequence[tx.ID] = len(r.s.sequence)
	return nil
}

func (r *transactionRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	tx, ok := r.s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("no transaction with id %s: %w", id, domain.ErrNotFound)
	}
	return &tx, nil
}

func (r *transactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	r.s.mu.RLock()
	id, ok := r.s.keys[key]
	r.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no transaction with key %q: %w", key, domain.ErrNotFound)
	}
	return r.GetByID(ctx, id)
}

// filter returns copies of matching records, newest first; callers hold the lock.
func (s *Store) filter(match func(*domain.Transaction) bool) []*domain.Transaction {
	out := make([]*domain.Transaction, 0)
	for _, tx := range s.transactions {
		tx := tx
		if match(&tx) {
			out = append(out, &tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.sequence[out[i].ID] > s.sequence[out[j].ID]
	})
	return out
}

func involves(accountID string) func(*domain.Transaction) bool {
	return func(tx *domain.Transaction) bool {
		return accountID == "" || tx.SenderID == accountID || tx.ReceiverID == accountID
	}
}

func (r *transactionRepository) ListByAccount(_ context.Context, accountID string, limit, offset int) ([]*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := r.s.filter(involves(accountID))
	if offset >= len(all) {
		return []*domain.Transaction{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

func (r *transactionRepository) Count(_ context.Context, accountID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.filter(involves(accountID))), nil
}

func (r *transactionRepository) UpdateState(_ context.Context, tx *domain.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.updateStateLocked(tx)
}

func (s *Store) updateStateLocked(tx *domain.Transaction) error {
	stored, ok := s.transactions[tx.ID]
	if !ok || stored.Status != domain.TransactionStatusPending {
		return fmt.Errorf("pending transaction %s: %w", tx.ID, domain.ErrNotFound)
	}
	stored.Status = tx.Status
	stored.State = tx.State
	stored.LedgerTxID = tx.LedgerTxID
	stored.FailureReason = tx.FailureReason
	stored.UpdatedAt = tx.UpdatedAt
	s.transactions[tx.ID] = stored
	return nil
}

func (r *transactionRepository) ListUnresolved(_ context.Context) ([]*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := r.s.filter(func(tx *domain.Transaction) bool { return tx.Status == domain.TransactionStatusPending })
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *transactionRepository) HasUnresolvedDebit(_ context.Context, accountID string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, tx := range r.s.transactions {
		if tx.Status == domain.TransactionStatusPending && tx.SenderID == accountID {
			return true, nil
		}
	}
	return false, nil
}

type projector struct{ s *Store }

func (p *projector) Atomic() bool { return true }

// Apply validates every leg before writing any of them.
func (p *projector) Apply(_ context.Context, tx *domain.Transaction, legs []domain.ProjectionLeg) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.applyFaults) > 0 {
		err := s.applyFaults[0]
		s.applyFaults = s.applyFaults[1:]
		return err
	}

	updated := make(map[string]domain.Account, len(legs))
	for _, leg := range legs {
		account, ok := s.accounts[leg.AccountID]
		if !ok {
			return fmt.Errorf("account %s: %w", leg.AccountID, domain.ErrNotFound)
		}
		if account.Version != leg.ExpectedVersion {
			return fmt.Errorf("account %s at version %d, expected %d: %w", leg.AccountID, account.Version, leg.ExpectedVersion, domain.ErrVersionConflict)
		}
		account.Balance = account.Balance.Add(leg.Delta)
		if account.Balance.IsNegative() {
			return fmt.Errorf("account %s would become negative", leg.AccountID)
		}
		account.Version++
		account.UpdatedAt = tx.UpdatedAt
		updated[leg.AccountID] = account
	}
	if stored, ok := s.transactions[tx.ID]; !ok || stored.Status != domain.TransactionStatusPending {
		return fmt.Errorf("pending transaction %s: %w", tx.ID, domain.ErrNotFound)
	}

	for id, account := range updated {
		s.accounts[id] = account
	}
	return s.updateStateLocked(tx)
}

type userRepository struct{ s *Store }

func (r *userRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	user, ok := r.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return &user, nil
}

func (r *userRepository) Create(_ context.Context, user *domain.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[user.ID]; ok {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	r.s.users[user.ID] = *user
	return nil
}

func (r *userRepository) Count(_ context.Context) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.users), nil
}

type reconciliationRepository struct{ s *Store }

func (r *reconciliationRepository) Add(_ context.Context, entry *domain.ReconciliationEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.reconciliations = append(r.s.reconciliations, *entry)
	return nil
}

func (r *reconciliationRepository) GetLatest(_ context.Context, accountID string) (*domain.ReconciliationEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for i := len(r.s.reconciliations) - 1; i >= 0; i-- {
		if entry := r.s.reconciliations[i]; entry.AccountID == accountID {
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("no reconciliation entry for account %s: %w", accountID, domain.ErrNotFound)
}
