// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shopdesk/internal/domain"
)

// Repository persists session credentials and the conversation log.
type Repository interface {
	// LoadCredentials returns the credentials stored under name, or nil when
	// none exist.
	LoadCredentials(ctx context.Context, name string) (*domain.Credentials, error)

	// SaveCredentials creates or replaces the credentials stored under name.
	SaveCredentials(ctx context.Context, name string, creds *domain.Credentials) error

	// EraseCredentials removes the credentials stored under name. Erasing
	// missing credentials is not an error.
	EraseCredentials(ctx context.Context, name string) error

	// RecordMessage appends a message to the conversation log and assigns its ID.
	RecordMessage(ctx context.Context, msg *domain.StoredMessage) error

	// ListMessages returns the newest messages first. An empty correspondent
	// lists all conversations.
	ListMessages(ctx context.Context, correspondent string, limit int) ([]domain.StoredMessage, error)

	// CleanupMessages removes messages older than retention.
	CleanupMessages(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
