package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fairybook/tokenledger/internal/docstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "tokens.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInvalidCollectionName(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x.db"), "bad; DROP TABLE"); err == nil {
		t.Fatalf("expected invalid collection name to be rejected")
	}
}

func TestGetAbsent(t *testing.T) {
	s := newStore(t)
	fields, exists, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exists || fields != nil {
		t.Fatalf("expected absent record, got exists=%v fields=%+v", exists, fields)
	}
}

func TestMergeRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Merge(ctx, "u1", docstore.Fields{"tokens": 7, "note": "hi"}); err != nil {
		t.Fatalf("merge create: %v", err)
	}
	if err := s.Merge(ctx, "u1", docstore.Fields{"note": "bye"}); err != nil {
		t.Fatalf("merge overlay: %v", err)
	}

	fields, exists, err := s.Get(ctx, "u1")
	if err != nil || !exists {
		t.Fatalf("get: exists=%v err=%v", exists, err)
	}
	// JSON storage: numbers come back as float64.
	if fields["tokens"] != float64(7) || fields["note"] != "bye" {
		t.Fatalf("unexpected fields after merge: %+v", fields)
	}
}

func TestUpdateReadModifyWrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		err := s.Update(ctx, "counter", func(current docstore.Fields, exists bool) (docstore.Fields, error) {
			n := float64(0)
			if exists {
				n, _ = current["n"].(float64)
			}
			return docstore.Fields{"n": n + 1}, nil
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	fields, _, err := s.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fields["n"] != float64(25) {
		t.Fatalf("lost update: n=%v, want 25", fields["n"])
	}
}

func TestUpdateErrorRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Merge(ctx, "u2", docstore.Fields{"tokens": 3}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	boom := errors.New("boom")
	err := s.Update(ctx, "u2", func(docstore.Fields, bool) (docstore.Fields, error) {
		return docstore.Fields{"tokens": 0}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}

	fields, _, _ := s.Get(ctx, "u2")
	if fields["tokens"] != float64(3) {
		t.Fatalf("failed update must not write: %+v", fields)
	}
}

func TestUpdateNilSkipsWrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Merge(ctx, "u3", docstore.Fields{"tokens": 5}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	err := s.Update(ctx, "u3", func(current docstore.Fields, exists bool) (docstore.Fields, error) {
		if !exists {
			t.Fatalf("expected record to exist")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	fields, _, _ := s.Get(ctx, "u3")
	if len(fields) != 1 || fields["tokens"] != float64(5) {
		t.Fatalf("nil updates must not modify the record: %+v", fields)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	s := newStore(t)
	if _, _, err := s.Get(context.Background(), ""); err == nil {
		t.Fatalf("expected empty key to be rejected on Get")
	}
	err := s.Update(context.Background(), "", func(docstore.Fields, bool) (docstore.Fields, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatalf("expected empty key to be rejected on Update")
	}
}
