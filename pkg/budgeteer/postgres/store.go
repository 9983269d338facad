// Package postgres provides a budgeteer.Store backed by a PostgreSQL table,
// for deployments that already share a database between workers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/manenim/budgeteer/pkg/budgeteer"
)

const createStateTable = `
CREATE TABLE IF NOT EXISTS budget_state (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0
)`

const (
	selectState = `SELECT value FROM budget_state WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)`
	upsertState = `INSERT INTO budget_state (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	purgeState = `DELETE FROM budget_state WHERE expires_at <> 0 AND expires_at <= $1`
)

// Store keeps budget records in the budget_state table.
type Store struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

// Open connects to dsn and creates the table if needed.
func Open(ctx context.Context, dsn string, ttl time.Duration) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is empty", budgeteer.ErrInvalidStoreConfig)
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewFromDB(db, ttl)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an existing connection. It does not create the table.
func NewFromDB(db *sqlx.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl, now: time.Now}
}

// Migrate creates the budget_state table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createStateTable); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, selectState, key, s.now().UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, budgeteer.Unavailable("postgres get", err)
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	var expiresAt int64
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl).UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx, upsertState, key, value, expiresAt); err != nil {
		return budgeteer.Unavailable("postgres put", err)
	}
	return nil
}

// Purge deletes expired records and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, purgeState, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge postgres: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
