package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

var (
	_ Store       = (*SQLiteStore)(nil)
	_ Initializer = (*SQLiteStore)(nil)
)

// OpenSQLite opens a database file suitable for sharing between SQLiteStores
// and between processes on the same host.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection keeps the pragmas below in effect for every query.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure sqlite database: %w", err)
		}
	}
	return db, nil
}

// SQLiteStore is a durable namespaced store. It is the default for
// authorization request records, which must survive a full-page navigation
// or process restart between building a request and receiving its callback.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
	clock     clock.PassiveClock
}

// NewSQLiteStore creates a store on db whose keys live in namespace.
func NewSQLiteStore(db *sql.DB, namespace string) *SQLiteStore {
	return &SQLiteStore{db: db, namespace: namespace, clock: clock.RealClock{}}
}

// WithClock overrides the clock used by Clear
func (s *SQLiteStore) WithClock(c clock.PassiveClock) *SQLiteStore {
	s.clock = c
	return s
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	return initTable(ctx, s.db, "records", `
		CREATE TABLE IF NOT EXISTS records (
			namespace   TEXT NOT NULL,
			key         TEXT NOT NULL,
			value       BLOB NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		);`,
	)
}

func initTable(ctx context.Context, db *sql.DB, name, ddl string) error {
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE namespace = ? AND key = ?`, s.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.namespace, key, value, s.clock.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE namespace = ? AND key = ?`, s.namespace, key); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE namespace = ?`, s.namespace)
		if err != nil {
			return fmt.Errorf("failed to clear records: %w", err)
		}
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM records WHERE namespace = ?`, s.namespace)
	if err != nil {
		return fmt.Errorf("failed to scan records: %w", err)
	}

	now := s.clock.Now()
	var stale []string
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		if expired(value, now, maxAge) {
			stale = append(stale, key)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to scan records: %w", err)
	}

	for _, key := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE namespace = ? AND key = ?`, s.namespace, key); err != nil {
			return fmt.Errorf("failed to delete stale record: %w", err)
		}
	}
	return nil
}
