// Package memory provides an in-process docstore backend. Suitable for tests
// and single-instance development; durable deployments use the sqlite or
// postgres backends.
package memory

import (
	"context"
	"sync"

	"github.com/fairybook/tokenledger/internal/docstore"
)

// Store keeps documents in a map guarded by one mutex. The mutex makes every
// Update a true per-store critical section, so same-key read-modify-write
// cycles cannot interleave.
type Store struct {
	mu   sync.Mutex
	docs map[string]docstore.Fields
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{docs: make(map[string]docstore.Fields)}
}

// Get performs a point read of one record.
func (s *Store) Get(ctx context.Context, key string) (docstore.Fields, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, false, nil
	}
	return copyFields(doc), true, nil
}

// Merge applies a partial update, creating the record when absent.
func (s *Store) Merge(ctx context.Context, key string, fields docstore.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = docstore.Merged(s.docs[key], fields)
	return nil
}

// Update runs fn under the store mutex and merges the returned fields.
func (s *Store) Update(ctx context.Context, key string, fn docstore.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.docs[key]
	updates, err := fn(copyFields(current), exists)
	if err != nil {
		return err
	}
	if updates == nil {
		return nil
	}
	s.docs[key] = docstore.Merged(current, updates)
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }

func copyFields(in docstore.Fields) docstore.Fields {
	if in == nil {
		return nil
	}
	out := make(docstore.Fields, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
