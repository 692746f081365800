package tokens

import "time"

// Transport serializes the status for crossing a process boundary (session
// payloads, API responses). Instants become RFC 3339 UTC strings; absent
// instants become nil.
func (s Status) Transport() map[string]any {
	return map[string]any{
		fieldTokens:         s.Tokens,
		fieldAutoCap:        s.AutoCap,
		fieldCreatedAt:      instantOrNil(s.CreatedAt),
		fieldUpdatedAt:      instantOrNil(s.UpdatedAt),
		fieldLastLoginAt:    instantOrNil(s.LastLoginAt),
		fieldLastRefillAt:   instantOrNil(s.LastRefillAt),
		fieldLastConsumedAt: instantOrNil(s.LastConsumedAt),
		fieldSignature:      stringOrNil(s.LastConsumedSignature),
	}
}

// StatusFromTransport rebuilds a Status from a transport mapping produced by
// Transport (or any compatible flat mapping). Returns nil for a nil payload.
func StatusFromTransport(payload map[string]any) *Status {
	if payload == nil {
		return nil
	}
	st := decodeStatus(payload)
	return &st
}

func instantOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stringOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
