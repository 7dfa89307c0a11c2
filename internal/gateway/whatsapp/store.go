// Package whatsapp implements the gateway boundary on top of whatsmeow, a
// multi-device WhatsApp Web client.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	// modernc driver registers as "sqlite".
	_ "modernc.org/sqlite"
)

// DeviceStore holds whatsmeow's key material in its own SQLite database.
type DeviceStore struct {
	Container *sqlstore.Container
	db        *sql.DB
}

// OpenDeviceStore opens (and migrates) the device database at path.
func OpenDeviceStore(ctx context.Context, path string, log zerolog.Logger) (*DeviceStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create device store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping device store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Zerolog(log.With().Str("component", "device-store").Logger()))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}
	return &DeviceStore{Container: container, db: db}, nil
}

// Purge deletes every paired device and its keys.
func (s *DeviceStore) Purge(ctx context.Context) error {
	devices, err := s.Container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		if err := s.Container.DeleteDevice(ctx, dev); err != nil {
			return fmt.Errorf("delete device %s: %w", dev.ID, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *DeviceStore) Close() error {
	return s.db.Close()
}
