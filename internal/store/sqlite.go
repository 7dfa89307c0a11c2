package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/shared"
)

const (
	conflictRetries   = 3
	conflictBaseDelay = 100 * time.Millisecond

	defaultListLimit = 50
	maxListLimit     = 500
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS credentials (
		name TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		bundle BLOB,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		gateway_id TEXT,
		correspondent_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		kind TEXT,
		text TEXT NOT NULL,
		display_name TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_correspondent ON messages(correspondent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadCredentials returns the credentials stored under name.
func (s *SQLiteStore) LoadCredentials(ctx context.Context, name string) (*domain.Credentials, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT identity, bundle, updated_at FROM credentials WHERE name = ?`, name)

	var creds domain.Credentials
	var updatedAt int64
	err := row.Scan(&creds.Identity, &creds.Bundle, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan credentials: %w", err)
	}
	creds.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &creds, nil
}

// SaveCredentials creates or replaces the credentials stored under name.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, name string, creds *domain.Credentials) error {
	if creds == nil || creds.Identity == "" {
		return errors.New("save credentials: identity is required")
	}
	updatedAt := creds.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
	INSERT INTO credentials (name, identity, bundle, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		identity = excluded.identity,
		bundle = excluded.bundle,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "save credentials", conflictRetries, conflictBaseDelay, func() error {
		if _, err := s.db.ExecContext(ctx, query, name, creds.Identity, creds.Bundle, updatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("upsert credentials: %w", err)
		}
		return nil
	})
}

// EraseCredentials removes the credentials stored under name.
func (s *SQLiteStore) EraseCredentials(ctx context.Context, name string) error {
	return shared.RetryOnConflict(ctx, "erase credentials", conflictRetries, conflictBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete credentials: %w", err)
		}
		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			slog.Debug("EraseCredentials found nothing to delete", "name", name)
		}
		return nil
	})
}

// RecordMessage appends msg to the conversation log.
func (s *SQLiteStore) RecordMessage(ctx context.Context, msg *domain.StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO messages (id, gateway_id, correspondent_id, direction, kind, text, display_name, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "record message", conflictRetries, conflictBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, nullable(msg.GatewayID), msg.CorrespondentID, string(msg.Direction),
			nullable(string(msg.Kind)), msg.Text, nullable(msg.DisplayName), msg.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns the newest messages first.
func (s *SQLiteStore) ListMessages(ctx context.Context, correspondent string, limit int) ([]domain.StoredMessage, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	query := `
		SELECT id, gateway_id, correspondent_id, direction, kind, text, display_name, created_at
		FROM messages`
	args := []any{}
	if correspondent != "" {
		query += ` WHERE correspondent_id = ?`
		args = append(args, correspondent)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []domain.StoredMessage{}
	for rows.Next() {
		var msg domain.StoredMessage
		var gatewayID, kind, displayName sql.NullString
		var direction string
		var createdAt int64

		if err := rows.Scan(
			&msg.ID, &gatewayID, &msg.CorrespondentID, &direction,
			&kind, &msg.Text, &displayName, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.GatewayID = gatewayID.String
		msg.Direction = domain.Direction(direction)
		msg.Kind = domain.MessageKind(kind.String)
		msg.DisplayName = displayName.String
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CleanupMessages removes messages older than retention.
func (s *SQLiteStore) CleanupMessages(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
