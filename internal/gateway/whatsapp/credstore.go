package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/session"
)

// CredentialStore keeps the session's credential record and whatsmeow's
// device keys in step: erasing credentials also purges the paired devices.
type CredentialStore struct {
	inner   session.CredentialStore
	devices *DeviceStore
}

// NewCredentialStore wraps inner.
func NewCredentialStore(inner session.CredentialStore, devices *DeviceStore) *CredentialStore {
	return &CredentialStore{inner: inner, devices: devices}
}

// Load implements session.CredentialStore.
func (s *CredentialStore) Load(ctx context.Context) (*domain.Credentials, error) {
	return s.inner.Load(ctx)
}

// Save implements session.CredentialStore.
func (s *CredentialStore) Save(ctx context.Context, creds *domain.Credentials) error {
	return s.inner.Save(ctx, creds)
}

// Erase removes the credential record and every paired device.
func (s *CredentialStore) Erase(ctx context.Context) error {
	var errs []error
	if err := s.inner.Erase(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.devices.Purge(ctx); err != nil {
		errs = append(errs, fmt.Errorf("purge device keys: %w", err))
	}
	return errors.Join(errs...)
}
