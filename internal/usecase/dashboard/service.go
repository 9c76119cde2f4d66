package dashboard

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// Summary represents the wallet-wide figures shown on the home page
type Summary struct {
	TotalSupply  decimal.Decimal
	Accounts     int
	Users        int
	Transactions int
	Unresolved   int
}

// DashboardService handles dashboard-related operations
type DashboardService struct {
	AccountRepo     domain.AccountRepository
	UserRepo        domain.UserRepository
	TransactionRepo domain.TransactionRepository
}

// NewDashboardService creates a new DashboardService instance
func NewDashboardService(
	accountRepo domain.AccountRepository,
	userRepo domain.UserRepository,
	transactionRepo domain.TransactionRepository,
) *DashboardService {
	return &DashboardService{
		AccountRepo:     accountRepo,
		UserRepo:        userRepo,
		TransactionRepo: transactionRepo,
	}
}

// GetSummary calculates the wallet summary
// Logic:
//   - TotalSupply: Sum of all mirrored account balances
//   - Transactions: Every record regardless of status
//   - Unresolved: Pending records awaiting the ledger or reconciliation
func (s *DashboardService) GetSummary(ctx context.Context) (*Summary, error) {
	// 1. Sum all account balances
	accounts, err := s.AccountRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	supply := decimal.Zero
	for _, account := range accounts {
		supply = supply.Add(account.Balance)
	}

	// 2. Count users and transactions
	users, err := s.UserRepo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	transactions, err := s.TransactionRepo.Count(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	// 3. Count records still awaiting an outcome
	unresolved, err := s.TransactionRepo.ListUnresolved(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved transactions: %w", err)
	}

	return &Summary{
		TotalSupply:  supply,
		Accounts:     len(accounts),
		Users:        users,
		Transactions: transactions,
		Unresolved:   len(unresolved),
	}, nil
}
