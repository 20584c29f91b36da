package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"airguard/go-detection-server/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
//
// The pool holds a single connection, so every transaction is serialized.
// That is what makes RecordSighting and MatchOrCreateLocation atomic per
// device address and per coordinate.
type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL DEFAULT 'unknown',
			ignored INTEGER NOT NULL DEFAULT 0,
			connectable INTEGER NOT NULL DEFAULT 0,
			payload TEXT,
			first_discovery TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			notification_sent INTEGER NOT NULL DEFAULT 0,
			last_notification_sent TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);`,
		`CREATE TABLE IF NOT EXISTS locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			altitude REAL,
			accuracy REAL,
			first_discovery TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			name TEXT,
			UNIQUE (latitude, longitude)
		);`,
		`CREATE TABLE IF NOT EXISTS beacons (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_address TEXT NOT NULL REFERENCES devices(address) ON DELETE CASCADE,
			received_at TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			location_id INTEGER REFERENCES locations(id) ON DELETE SET NULL,
			payload TEXT,
			service_uuids TEXT,
			scanner TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_beacons_device_time ON beacons(device_address, received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_beacons_time ON beacons(received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_beacons_location ON beacons(location_id);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_address TEXT NOT NULL,
			created_at TEXT NOT NULL,
			false_alarm INTEGER NOT NULL DEFAULT 0,
			dismissed INTEGER NOT NULL DEFAULT 0,
			clicked INTEGER NOT NULL DEFAULT 0,
			sensitivity TEXT NOT NULL DEFAULT 'unknown'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_device ON notifications(device_address, created_at);`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			notification_id INTEGER NOT NULL UNIQUE REFERENCES notifications(id) ON DELETE CASCADE,
			location TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	// databases created before beacons carried their scanner
	if err := s.addColumn(ctx, "beacons", "scanner", `TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_beacons_scanner_time ON beacons(scanner, received_at);`); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	return nil
}

func (s *Store) addColumn(ctx context.Context, table, column, decl string) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?;`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, decl))
	return err
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// inTx runs fn inside a transaction and commits when fn returns nil.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return storageErr(op, errors.New("store not initialized"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, fmt.Errorf("begin: %w", err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// storageErr wraps a database failure. Validation and not-found errors pass
// through unchanged.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrValidation) || model.IsStorageError(err) {
		return err
	}
	return &model.StorageError{Op: op, Err: err}
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// maxYear is the last year timeLayout can hold in four digits.
const maxYear = 9999

func checkTime(field string, t time.Time) error {
	if y := t.UTC().Year(); y < 1 || y > maxYear {
		return model.Invalid(field, "year %d outside [1, %d]", y, maxYear)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		var rfcErr error
		if t, rfcErr = time.Parse(time.RFC3339Nano, s); rfcErr != nil {
			return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (source, payload, error) VALUES (?, ?, ?);`,
		e.Source,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return storageErr("insert ingestion error", err)
	}
	return nil
}

// CountIngestionErrors returns how many rejected payloads are on record.
func (s *Store) CountIngestionErrors(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_errors;`).Scan(&n); err != nil {
		return 0, storageErr("count ingestion errors", err)
	}
	return n, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return storageErr("upsert app config", err)
	}
	return nil
}

// AppConfigValue returns one persisted value, or ErrNotFound.
func (s *Store) AppConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("app config %q: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return "", storageErr("get app config", err)
	}
	return value, nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, storageErr("query app config", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storageErr("scan app config", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate app config", err)
	}

	return config, nil
}

// WipeData removes all sightings, devices, locations and notifications while
// preserving configuration.
func (s *Store) WipeData(ctx context.Context) error {
	stmts := []string{
		`DELETE FROM feedback;`,
		`DELETE FROM notifications;`,
		`DELETE FROM beacons;`,
		`DELETE FROM devices;`,
		`DELETE FROM locations;`,
		`DELETE FROM ingestion_errors;`,
	}

	return s.inTx(ctx, "wipe data", func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return storageErr("wipe data", err)
			}
		}
		return nil
	})
}
