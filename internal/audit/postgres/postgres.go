package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/fairybook/tokenledger/internal/audit"
)

// Store implements audit.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed audit store using the provided DSN.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS token_audit (
	id BIGSERIAL PRIMARY KEY,
	uuid UUID NOT NULL,
	user_key TEXT NOT NULL,
	op TEXT NOT NULL CHECK(op IN ('initialize','refill','consume','admin_set','topup')),
	delta BIGINT NOT NULL,
	balance BIGINT NOT NULL,
	signature TEXT,
	memo TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_token_audit_user_created ON token_audit(user_key, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record inserts a new audit entry.
func (s *Store) Record(ctx context.Context, entry audit.Entry) error {
	if entry.UserKey == "" {
		return errors.New("audit record requires user key")
	}
	if !entry.Op.Valid() {
		return fmt.Errorf("invalid op %q", entry.Op)
	}
	id := entry.UUID
	if id == "" {
		id = uuid.New().String()
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO token_audit(uuid, user_key, op, delta, balance, signature, memo, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		id,
		entry.UserKey,
		string(entry.Op),
		entry.Delta,
		entry.Balance,
		entry.Signature,
		entry.Memo,
		created,
	)
	return err
}

// Summary returns aggregated grants and consumption for the given user.
func (s *Store) Summary(ctx context.Context, userKey string) (audit.Summary, error) {
	if userKey == "" {
		return audit.Summary{}, errors.New("user key required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN delta > 0 THEN delta ELSE 0 END), 0) AS granted,
	COALESCE(SUM(CASE WHEN delta < 0 THEN -delta ELSE 0 END), 0) AS consumed
FROM token_audit
WHERE user_key = $1`, userKey)

	var granted, consumed sql.NullInt64
	if err := row.Scan(&granted, &consumed); err != nil {
		return audit.Summary{}, err
	}
	summary := audit.Summary{
		GrantedTokens:  granted.Int64,
		ConsumedTokens: consumed.Int64,
	}
	summary.NetTokens = summary.GrantedTokens - summary.ConsumedTokens
	return summary, nil
}

// ListRecent returns the latest entries for a user.
func (s *Store) ListRecent(ctx context.Context, userKey string, limit int) ([]audit.Entry, error) {
	if userKey == "" {
		return nil, errors.New("user key required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, uuid, user_key, op, delta, balance, COALESCE(signature, ''), COALESCE(memo, ''), created_at
FROM token_audit
WHERE user_key = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, userKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var op string
		if err := rows.Scan(&e.ID, &e.UUID, &e.UserKey, &op, &e.Delta, &e.Balance, &e.Signature, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Op = audit.Op(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
