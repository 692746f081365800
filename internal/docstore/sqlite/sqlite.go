package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/fairybook/tokenledger/internal/docstore"
)

// DefaultCollection is the table used when no collection name is configured.
const DefaultCollection = "generation_tokens"

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store implements docstore.Store backed by SQLite. Each record is one row
// holding the document as JSON plus a version counter that bumps on every
// write; Update runs the whole read-modify-write inside one transaction, so
// same-key mutations serialize at the database.
type Store struct {
	db    *sql.DB
	table string
}

// New opens (or creates) a SQLite store at the given path using the named
// collection as its table.
func New(path, collection string) (*Store, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if !collectionPattern.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
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
	doc TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
	var raw string
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE user_key = ?`, s.table)
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

// Merge applies a partial update inside a transaction, creating the record
// when absent.
func (s *Store) Merge(ctx context.Context, key string, fields docstore.Fields) error {
	return s.Update(ctx, key, func(docstore.Fields, bool) (docstore.Fields, error) {
		return fields, nil
	})
}

// Update runs fn against the current document inside one transaction and
// writes the merged result with a bumped version.
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

	var raw string
	current := docstore.Fields(nil)
	exists := true
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE user_key = ?`, s.table)
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
INSERT INTO %s (user_key, doc, version, updated_at) VALUES (?, ?, 1, CURRENT_TIMESTAMP)
ON CONFLICT(user_key) DO UPDATE SET
	doc = excluded.doc,
	version = %s.version + 1,
	updated_at = CURRENT_TIMESTAMP`, s.table, s.table)
	if _, err = tx.ExecContext(ctx, upsert, key, string(encoded)); err != nil {
		return err
	}
	return tx.Commit()
}

func decodeDoc(raw string) (docstore.Fields, error) {
	var fields docstore.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fields, nil
}
