// Package identity resolves the enrolled ledger identity a user signs with.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	fabid "github.com/hyperledger/fabric-gateway/pkg/identity"
	"go.uber.org/zap"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// Options tunes a Directory.
type Options struct {
	CacheSize int
	// RequireCertificate rejects identities without an enrollment certificate.
	// Only the in-process ledger can do without one.
	RequireCertificate bool
	// OperatorUserID signs with an organization admin certificate
	// (Admin@org1.example.com), so its common name is not checked.
	OperatorUserID string
}

// Directory implements domain.IdentityDirectory over a read-only store.
// Identities never change at request time, so resolved entries are cached.
type Directory struct {
	store  domain.IdentityRepository
	cache  *lru.Cache[string, *domain.LedgerIdentity]
	opts   Options
	logger *zap.Logger
}

func NewDirectory(store domain.IdentityRepository, opts Options, logger *zap.Logger) (*Directory, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	cache, err := lru.New[string, *domain.LedgerIdentity](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity cache: %w", err)
	}
	return &Directory{store: store, cache: cache, opts: opts, logger: logger.Named("identity")}, nil
}

// Resolve returns the identity enrolled for userID.
// Logic:
//   - A missing identity, an unparsable certificate or a certificate whose
//     common name names a different account all fail with ErrIdentityUnavailable
//   - The operator is exempt from the common name check
//   - Successful resolutions are cached
func (d *Directory) Resolve(ctx context.Context, userID string) (*domain.LedgerIdentity, error) {
	if id, ok := d.cache.Get(userID); ok {
		return id, nil
	}

	id, err := d.store.Lookup(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no enrolled identity for user %s", domain.ErrIdentityUnavailable, userID)
		}
		return nil, fmt.Errorf("failed to look up identity for user %s: %w", userID, err)
	}

	if err := d.verify(id); err != nil {
		d.logger.Warn("rejecting ledger identity", zap.String("user", userID), zap.Error(err))
		return nil, err
	}

	d.cache.Add(userID, id)
	return id, nil
}

func (d *Directory) verify(id *domain.LedgerIdentity) error {
	if len(id.Certificate) == 0 {
		if d.opts.RequireCertificate {
			return fmt.Errorf("%w: user %s has no enrollment certificate", domain.ErrIdentityUnavailable, id.UserID)
		}
		return nil
	}

	cert, err := fabid.CertificateFromPEM(id.Certificate)
	if err != nil {
		return fmt.Errorf("%w: unreadable certificate for user %s: %v", domain.ErrIdentityUnavailable, id.UserID, err)
	}
	if id.UserID == d.opts.OperatorUserID {
		return nil
	}
	if account := AccountFromCommonName(cert.Subject.CommonName); account != "" && account != id.AccountID() {
		return fmt.Errorf("%w: certificate for user %s names account %s, expected %s",
			domain.ErrIdentityUnavailable, id.UserID, account, id.AccountID())
	}
	return nil
}

// AccountFromCommonName extracts the account part of an enrollment common
// name of the form "<account>@<org domain>".
func AccountFromCommonName(cn string) string {
	account, _, _ := strings.Cut(cn, "@")
	return strings.TrimSpace(account)
}
