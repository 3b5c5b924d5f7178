package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the single registration record. Read at startup,
// overwritten on each successful registration, cleared on
// unregistration.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Clear(ctx context.Context) error
}

// schema holds the one-row registration table. The CHECK pins the row
// id so upserts can target it.
const schema = `
CREATE TABLE IF NOT EXISTS device_registration (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	device_token BLOB NOT NULL,
	last_bound_at TIMESTAMP NOT NULL
);`

// SQLiteStore is the on-disk Store backed by a SQLite database in the
// agent's data directory.
type SQLiteStore struct {
	db *sql.DB
}

// OpenStore creates or opens the registration database under dataDir
// with WAL mode enabled and ensures the schema exists.
func OpenStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "dialcore.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening registration database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging registration database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registration schema: %w", err)
	}

	slog.Info("registration store opened", "path", dbPath)
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the persisted registration record, or nil if the device
// has never been bound.
func (s *SQLiteStore) Load(ctx context.Context) (*Record, error) {
	var rec Record
	var boundAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT device_token, last_bound_at FROM device_registration WHERE id = 1`,
	).Scan(&rec.DeviceToken, &boundAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading registration record: %w", err)
	}

	rec.LastBoundAt, err = time.Parse(time.RFC3339Nano, boundAt)
	if err != nil {
		return nil, fmt.Errorf("parsing last_bound_at: %w", err)
	}
	return &rec, nil
}

// Save overwrites the registration record.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_registration (id, device_token, last_bound_at)
		 VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   device_token = excluded.device_token,
		   last_bound_at = excluded.last_bound_at`,
		rec.DeviceToken, rec.LastBoundAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving registration record: %w", err)
	}
	return nil
}

// Clear removes the registration record. Clearing an empty store is a
// no-op.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_registration WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clearing registration record: %w", err)
	}
	return nil
}
