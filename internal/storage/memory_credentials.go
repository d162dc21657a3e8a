package storage

import (
	"context"
	"sync"

	"github.com/account-aggregator/internal/types"
)

// MemoryCredentialStore is an in-memory credential store used in tests and
// local development. It implements the same interface as the Postgres
// repository.
type MemoryCredentialStore struct {
	mu          sync.RWMutex
	creds       map[string]*types.Credentials
	invalidated map[string]bool
}

// NewMemoryCredentialStore creates an empty in-memory credential store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		creds:       make(map[string]*types.Credentials),
		invalidated: make(map[string]bool),
	}
}

func credKey(userID string, provider types.Provider) string {
	return userID + ":" + string(provider)
}

// Get retrieves the active credential for a user/provider pair.
func (s *MemoryCredentialStore) Get(ctx context.Context, userID string, provider types.Provider) (*types.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := credKey(userID, provider)
	creds, ok := s.creds[key]
	if !ok || s.invalidated[key] {
		return nil, ErrCredentialsNotFound
	}

	c := *creds
	return &c, nil
}

// Save upserts the credential and clears any previous invalidation.
func (s *MemoryCredentialStore) Save(ctx context.Context, creds *types.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey(creds.UserID, creds.Provider)
	c := *creds
	s.creds[key] = &c
	delete(s.invalidated, key)
	return nil
}

// Delete removes the credential.
func (s *MemoryCredentialStore) Delete(ctx context.Context, userID string, provider types.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey(userID, provider)
	delete(s.creds, key)
	delete(s.invalidated, key)
	return nil
}

// Invalidate marks the credential unusable without deleting it.
func (s *MemoryCredentialStore) Invalidate(ctx context.Context, userID string, provider types.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidated[credKey(userID, provider)] = true
	return nil
}
