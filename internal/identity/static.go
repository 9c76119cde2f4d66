package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// StaticStore is an in-memory identity store for development and tests.
type StaticStore struct {
	mu         sync.RWMutex
	identities map[string]*domain.LedgerIdentity
}

func NewStaticStore(identities ...*domain.LedgerIdentity) *StaticStore {
	s := &StaticStore{identities: make(map[string]*domain.LedgerIdentity)}
	for _, id := range identities {
		s.Put(id)
	}
	return s
}

// Put enrolls or replaces an identity
func (s *StaticStore) Put(id *domain.LedgerIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.UserID] = id
}

func (s *StaticStore) Lookup(_ context.Context, userID string) (*domain.LedgerIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[userID]
	if !ok {
		return nil, fmt.Errorf("identity %s: %w", userID, domain.ErrNotFound)
	}
	return id, nil
}

func (s *StaticStore) List(_ context.Context) ([]*domain.LedgerIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.LedgerIdentity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
