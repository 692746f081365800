package tokens

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeStatusDefaults(t *testing.T) {
	st := decodeStatus(map[string]any{})
	if st.Tokens != 0 {
		t.Fatalf("expected 0 tokens, got %d", st.Tokens)
	}
	if st.AutoCap != DefaultAutoCap {
		t.Fatalf("expected default cap %d, got %d", DefaultAutoCap, st.AutoCap)
	}
	if !st.CreatedAt.IsZero() || !st.LastConsumedAt.IsZero() {
		t.Fatalf("expected absent instants to decode to zero time")
	}
}

func TestDecodeStatusCoercion(t *testing.T) {
	when := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	st := decodeStatus(map[string]any{
		"tokens":         "5",
		"auto_cap":       float64(12),
		"created_at":     when.Format(time.RFC3339),
		"updated_at":     when,
		"last_refill_at": "not-a-date",
	})
	if st.Tokens != 5 {
		t.Fatalf("expected string balance to coerce to 5, got %d", st.Tokens)
	}
	if st.AutoCap != 12 {
		t.Fatalf("expected float cap to coerce to 12, got %d", st.AutoCap)
	}
	if !st.CreatedAt.Equal(when) {
		t.Fatalf("expected created_at %v, got %v", when, st.CreatedAt)
	}
	if !st.UpdatedAt.Equal(when) {
		t.Fatalf("expected updated_at %v, got %v", when, st.UpdatedAt)
	}
	if !st.LastRefillAt.IsZero() {
		t.Fatalf("expected malformed instant to decode to zero time")
	}
}

func TestDecodeStatusMalformedValues(t *testing.T) {
	st := decodeStatus(map[string]any{
		"tokens":     "garbage",
		"auto_cap":   -4,
		"created_at": "not-a-date",
	})
	if st.Tokens != 0 {
		t.Fatalf("expected malformed balance to default to 0, got %d", st.Tokens)
	}
	if st.AutoCap != DefaultAutoCap {
		t.Fatalf("expected non-positive cap to default to %d, got %d", DefaultAutoCap, st.AutoCap)
	}
	if !st.CreatedAt.IsZero() {
		t.Fatalf("expected unparsable created_at to decode to zero time")
	}
}

func TestDecodeStatusClampsNegativeTokens(t *testing.T) {
	st := decodeStatus(map[string]any{"tokens": -3})
	if st.Tokens != 0 {
		t.Fatalf("expected negative balance to clamp to 0, got %d", st.Tokens)
	}
}

func TestTransportRoundTrip(t *testing.T) {
	when := time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC)
	cases := []struct {
		name string
		st   Status
	}{
		{"full", Status{
			Tokens:                3,
			AutoCap:               10,
			CreatedAt:             when,
			UpdatedAt:             when.Add(time.Hour),
			LastLoginAt:           when.Add(2 * time.Hour),
			LastRefillAt:          when.Add(3 * time.Hour),
			LastConsumedAt:        when.Add(4 * time.Hour),
			LastConsumedSignature: "sig-1",
		}},
		{"optional instants absent", Status{Tokens: 7, AutoCap: 10, CreatedAt: when, UpdatedAt: when}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := StatusFromTransport(tc.st.Transport())
			if got == nil {
				t.Fatalf("round trip returned nil")
			}
			if *got != tc.st {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", *got, tc.st)
			}
		})
	}
}

// The transport mapping survives a JSON cycle: encoding turns ints into
// float64 and instants into strings, and decode must coerce both back.
func TestTransportJSONCycle(t *testing.T) {
	when := time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC)
	st := Status{Tokens: 2, AutoCap: 10, CreatedAt: when, UpdatedAt: when, LastConsumedSignature: "abc"}

	encoded, err := json.Marshal(st.Transport())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := StatusFromTransport(payload)
	if got == nil || *got != st {
		t.Fatalf("JSON cycle mismatch:\n got %+v\nwant %+v", got, st)
	}
}

func TestStatusFromTransportNil(t *testing.T) {
	if got := StatusFromTransport(nil); got != nil {
		t.Fatalf("expected nil for nil payload, got %+v", got)
	}
}
