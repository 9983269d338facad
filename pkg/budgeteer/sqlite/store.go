// Package sqlite provides a budgeteer.Store kept in an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manenim/budgeteer/pkg/budgeteer"
)

// Store keeps budget records in a single SQLite table. Several processes on
// one host may share the file.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

const createStateTable = `
CREATE TABLE IF NOT EXISTS budget_state (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
`

// New opens (or creates) the database at dbPath. Records expire ttl after
// their last write; ttl <= 0 keeps them forever.
func New(dbPath string, ttl time.Duration) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: sqlite path is empty", budgeteer.ErrInvalidStoreConfig)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open budget db: %w", err)
	}
	if _, err := db.Exec(createStateTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate budget db: %w", err)
	}
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

// Get returns the record for key unless it is missing or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM budget_state WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, budgeteer.Unavailable("sqlite get", err)
	}
	return value, true, nil
}

// Put stores value under key, replacing any previous record.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO budget_state (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, s.expiresAt(),
	)
	if err != nil {
		return budgeteer.Unavailable("sqlite put", err)
	}
	return nil
}

// Purge deletes expired records and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM budget_state WHERE expires_at != 0 AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge budget db: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) expiresAt() int64 {
	if s.ttl <= 0 {
		return 0
	}
	return s.now().Add(s.ttl).UnixMilli()
}
