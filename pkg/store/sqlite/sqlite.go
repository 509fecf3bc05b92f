// Package sqlite implements the ledger, image and audit stores on SQLite.
//
// The database runs with a single connection and immediate transactions, so
// every write transaction holds the database write lock from BEGIN. This
// serializes balance read-modify-write across all users.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite handle.
type DB struct {
	db  *sql.DB
	log *logrus.Logger
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func Open(path string, log *logrus.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{db: sqlDB, log: log, now: func() time.Time { return time.Now().UTC() }}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.WithField("path", path).Info("opened SQLite database")
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrations returns the schema statements, one per string.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			token_balance INTEGER NOT NULL DEFAULT 0 CHECK (token_balance >= 0),
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS token_transactions (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL REFERENCES users(id),
			amount      INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_transactions_user ON token_transactions(user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS generated_images (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			asset_url          TEXT NOT NULL,
			original_asset_url TEXT,
			prompt             TEXT NOT NULL,
			caption            TEXT,
			style              TEXT,
			platform           TEXT,
			size               TEXT,
			template_id        TEXT,
			suggestion_id      TEXT,
			generation_source  TEXT,
			favorite           INTEGER NOT NULL DEFAULT 0,
			downloads          INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			UNIQUE(user_id, asset_url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generated_images_user ON generated_images(user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			user_id    TEXT NOT NULL,
			request_id TEXT NOT NULL,
			kind       TEXT NOT NULL,
			detail     TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_user_kind ON audit_events(user_id, kind, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_request ON audit_events(request_id, seq)`,
	}
}

func (d *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := d.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
