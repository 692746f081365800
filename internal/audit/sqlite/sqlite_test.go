package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fairybook/tokenledger/internal/audit"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndSummary(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	entries := []audit.Entry{
		{UserKey: "u1", Op: audit.OpInitialize, Delta: 7, Balance: 7, CreatedAt: base},
		{UserKey: "u1", Op: audit.OpConsume, Delta: -1, Balance: 6, Signature: "sig-1", CreatedAt: base.Add(time.Minute)},
		{UserKey: "u1", Op: audit.OpTopUp, Delta: 4, Balance: 10, Memo: "top up", CreatedAt: base.Add(2 * time.Minute)},
		{UserKey: "u2", Op: audit.OpConsume, Delta: -1, Balance: 0, CreatedAt: base},
	}
	for i, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	summary, err := s.Summary(ctx, "u1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.GrantedTokens != 11 || summary.ConsumedTokens != 1 || summary.NetTokens != 10 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	empty, err := s.Summary(ctx, "unknown")
	if err != nil {
		t.Fatalf("summary unknown: %v", err)
	}
	if empty != (audit.Summary{}) {
		t.Fatalf("expected zero summary for unknown user, got %+v", empty)
	}
}

func TestListRecentOrderAndScope(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := s.Record(ctx, audit.Entry{
			UserKey:   "u1",
			Op:        audit.OpConsume,
			Delta:     -1,
			Balance:   int64(5 - i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := s.Record(ctx, audit.Entry{UserKey: "other", Op: audit.OpRefill, Delta: 1, Balance: 1, CreatedAt: base}); err != nil {
		t.Fatalf("record other: %v", err)
	}

	got, err := s.ListRecent(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	// Newest first.
	for i, want := range []int64{1, 2, 3} {
		if got[i].Balance != want {
			t.Fatalf("entry %d: balance=%d, want %d", i, got[i].Balance, want)
		}
	}
	for _, e := range got {
		if e.UserKey != "u1" {
			t.Fatalf("entry leaked from another user: %+v", e)
		}
	}
}

func TestRecordFillsUUIDAndCreatedAt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, audit.Entry{UserKey: "u1", Op: audit.OpAdminSet, Delta: 5, Balance: 5}); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := s.ListRecent(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].UUID == "" {
		t.Fatalf("expected generated uuid")
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatalf("expected generated created_at")
	}
}

func TestRecordValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, audit.Entry{Op: audit.OpConsume, Delta: -1}); err == nil {
		t.Fatalf("expected missing user key to be rejected")
	}
	if err := s.Record(ctx, audit.Entry{UserKey: "u1", Op: "bogus", Delta: 1}); err == nil {
		t.Fatalf("expected invalid op to be rejected")
	}
}
