package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fairybook/tokenledger/internal/docstore"
)

// DefaultCollection is the table used when no collection name is configured.
const DefaultCollection = "generation_tokens"

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store implements docstore.Store backed by PostgreSQL. Update takes a row
// lock (SELECT ... FOR UPDATE) for the whole read-modify-write, so concurrent
// mutations of one key serialize at the database instead of clobbering each
// other.
type Store struct {
	db    *sql.DB
	table string
}

// New opens a PostgreSQL-backed store using the provided DSN and connection
// pool settings.
func New(dsn, collection string, maxOpen, maxIdle, lifetimeMinutes int) (*Store, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if !collectionPattern.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}

	s := &Store{db: db, table: collection}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	user_key TEXT PRIMARY KEY,
	doc JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, s.table)
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

// Get performs a point read of one record.
func (s *Store) Get(ctx context.Context, key string) (docstore.Fields, bool, error) {
	if key == "" {
		return nil, false, errors.New("user key required")
	}
	var raw []byte
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE user_key = $1`, s.table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	fields, err := decodeDoc(raw)
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

// Merge applies a partial update, creating the record when absent.
func (s *Store) Merge(ctx context.Context, key string, fields docstore.Fields) error {
	return s.Update(ctx, key, func(docstore.Fields, bool) (docstore.Fields, error) {
		return fields, nil
	})
}

// Update locks the row, runs fn, and writes the merged document with a
// bumped version.
func (s *Store) Update(ctx context.Context, key string, fn docstore.UpdateFunc) error {
	if key == "" {
		return errors.New("user key required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var raw []byte
	current := docstore.Fields(nil)
	exists := true
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE user_key = $1 FOR UPDATE`, s.table)
	scanErr := tx.QueryRowContext(ctx, query, key).Scan(&raw)
	switch {
	case scanErr == sql.ErrNoRows:
		exists = false
	case scanErr != nil:
		err = scanErr
		return err
	default:
		if current, err = decodeDoc(raw); err != nil {
			return err
		}
	}

	updates, err := fn(current, exists)
	if err != nil {
		return err
	}
	if updates == nil {
		return tx.Commit()
	}

	merged := docstore.Merged(current, updates)
	encoded, err := json.Marshal(merged)
	if err != nil {
		err = fmt.Errorf("encode document: %w", err)
		return err
	}
	upsert := fmt.Sprintf(`
INSERT INTO %s (user_key, doc, version, updated_at) VALUES ($1, $2, 1, now())
ON CONFLICT (user_key) DO UPDATE SET
	doc = excluded.doc,
	version = %s.version + 1,
	updated_at = now()`, s.table, s.table)
	if _, err = tx.ExecContext(ctx, upsert, key, encoded); err != nil {
		return err
	}
	return tx.Commit()
}

func decodeDoc(raw []byte) (docstore.Fields, error) {
	var fields docstore.Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fields, nil
}
