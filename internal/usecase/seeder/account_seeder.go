package seeder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/pin"
)

// AccountSeeder makes sure every enrolled ledger identity has a mirror account
type AccountSeeder struct {
	identities domain.IdentityRepository
	accounts   domain.AccountRepository
	now        func() time.Time
}

// NewAccountSeeder creates a new AccountSeeder instance
func NewAccountSeeder(identities domain.IdentityRepository, accounts domain.AccountRepository) *AccountSeeder {
	return &AccountSeeder{
		identities: identities,
		accounts:   accounts,
		now:        time.Now,
	}
}

// Seed ensures an account exists for each enrolled identity.
// Missing accounts start at zero; reconciliation brings them in line with
// any balance the ledger already holds. Existing accounts are left untouched.
// Returns the number of accounts created.
func (s *AccountSeeder) Seed(ctx context.Context) (int, error) {
	identities, err := s.identities.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list identities: %w", err)
	}

	created := 0
	for _, identity := range identities {
		accountID := identity.AccountID()
		_, err := s.accounts.GetByID(ctx, accountID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, err
		}

		now := s.now()
		account := &domain.Account{
			ID:          accountID,
			OwnerUserID: identity.UserID,
			Balance:     decimal.Zero,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		// Validate before creating
		if err := account.Validate(); err != nil {
			return created, err
		}

		if err := s.accounts.Create(ctx, account); err != nil {
			return created, err
		}
		created++
	}

	return created, nil
}

// User describes a user provisioned at startup
type User struct {
	ID    string
	Name  string
	Email string
	Pin   string
}

// UserSeeder provisions users with hashed transaction PINs
type UserSeeder struct {
	users domain.UserRepository
}

func NewUserSeeder(users domain.UserRepository) *UserSeeder {
	return &UserSeeder{users: users}
}

// Seed creates each user that does not exist yet
func (s *UserSeeder) Seed(ctx context.Context, users []User) error {
	for _, u := range users {
		_, err := s.users.GetByID(ctx, u.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		hash, err := pin.Hash(u.Pin)
		if err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
		if err := s.users.Create(ctx, &domain.User{ID: u.ID, Name: u.Name, Email: u.Email, PinHash: hash}); err != nil {
			return err
		}
	}
	return nil
}
