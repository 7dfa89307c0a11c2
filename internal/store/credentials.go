package store

import (
	"context"

	"github.com/ashureev/shopdesk/internal/domain"
)

// CredentialStore binds a Repository to one named session.
type CredentialStore struct {
	repo Repository
	name string
}

// NewCredentialStore returns a credential store for the session called name.
func NewCredentialStore(repo Repository, name string) *CredentialStore {
	return &CredentialStore{repo: repo, name: name}
}

// Load returns the stored credentials, or nil when none exist.
func (s *CredentialStore) Load(ctx context.Context) (*domain.Credentials, error) {
	return s.repo.LoadCredentials(ctx, s.name)
}

// Save persists creds.
func (s *CredentialStore) Save(ctx context.Context, creds *domain.Credentials) error {
	return s.repo.SaveCredentials(ctx, s.name, creds)
}

// Erase removes the stored credentials.
func (s *CredentialStore) Erase(ctx context.Context) error {
	return s.repo.EraseCredentials(ctx, s.name)
}
