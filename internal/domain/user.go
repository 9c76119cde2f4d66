package domain

import (
	"strings"
)

// User is a registered wallet user. Only PinHash is consulted when authorizing
// transfers; the PIN itself is never stored.
type User struct {
	ID      string
	Name    string
	Email   string
	PinHash string
}

// LedgerIdentity is the enrolled credential a user signs ledger submissions with.
// Identities are provisioned outside the wallet and are read-only here.
type LedgerIdentity struct {
	UserID        string
	MSPID         string
	Certificate   []byte // PEM
	PrivateKeyRef string
}

// AccountID returns the on-chain account the identity controls.
func (i *LedgerIdentity) AccountID() string {
	return LedgerAccountID(i.UserID)
}

// LedgerAccountID maps an application user id to its on-chain account id.
// Every ledger argument naming an account goes through this function.
func LedgerAccountID(userID string) string {
	return strings.TrimSpace(userID)
}
