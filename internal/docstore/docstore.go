// Package docstore provides per-key document persistence for token records.
//
// A document is a flat mapping of primitive fields. Backends must implement
// Update as an atomic read-check-write for a single key so that concurrent
// mutations of the same record cannot lose updates.
package docstore

import "context"

// Fields is the stored flat mapping for one record.
type Fields = map[string]any

// UpdateFunc receives the current document (nil when absent) and returns the
// fields to merge into it. Returning nil fields skips the write entirely.
// Returning an error aborts the update and propagates to the caller.
type UpdateFunc func(current Fields, exists bool) (Fields, error)

// Store is the per-user-key persistence boundary. Operations never touch more
// than one key.
type Store interface {
	// Get performs a point read of one record.
	Get(ctx context.Context, key string) (Fields, bool, error)

	// Merge applies a partial update, leaving unspecified fields untouched.
	// If the record does not exist, merge behaves as create.
	Merge(ctx context.Context, key string, fields Fields) error

	// Update runs fn against the current record inside a single per-key
	// critical section and merges the returned fields. The read, the
	// decision, and the write are atomic with respect to other Update and
	// Merge calls for the same key.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	Close() error
}

// Merged returns a copy of current with updates applied on top. Neither input
// is modified.
func Merged(current, updates Fields) Fields {
	out := make(Fields, len(current)+len(updates))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}
