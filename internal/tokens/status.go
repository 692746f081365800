package tokens

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when a record is first created or when stored values are
// unusable.
const (
	DefaultInitialTokens = 7
	DefaultAutoCap       = 10
)

// Field names of the persisted record.
const (
	fieldTokens         = "tokens"
	fieldAutoCap        = "auto_cap"
	fieldCreatedAt      = "created_at"
	fieldUpdatedAt      = "updated_at"
	fieldLastLoginAt    = "last_login_at"
	fieldLastRefillAt   = "last_refill_at"
	fieldLastConsumedAt = "last_consumed_at"
	fieldSignature      = "last_consumed_signature"
)

// Status is the decoded view of one user's token record. Instant fields use
// the zero time.Time to represent "absent".
type Status struct {
	Tokens                int
	AutoCap               int
	CreatedAt             time.Time
	UpdatedAt             time.Time
	LastLoginAt           time.Time
	LastRefillAt          time.Time
	LastConsumedAt        time.Time
	LastConsumedSignature string
}

// decodeStatus converts the stored flat mapping into a Status, substituting
// safe defaults for missing or malformed fields:
//
//	tokens   -> 0 when unparsable, clamped to >= 0
//	auto_cap -> DefaultAutoCap when unparsable or <= 0
//	instants -> zero time when unparsable
//
// Corrupted or legacy records therefore degrade gracefully instead of
// blocking the user.
func decodeStatus(fields map[string]any) Status {
	tokens := coerceInt(fields[fieldTokens], 0)
	if tokens < 0 {
		tokens = 0
	}
	autoCap := coerceInt(fields[fieldAutoCap], DefaultAutoCap)
	if autoCap <= 0 {
		autoCap = DefaultAutoCap
	}
	return Status{
		Tokens:                tokens,
		AutoCap:               autoCap,
		CreatedAt:             coerceTime(fields[fieldCreatedAt]),
		UpdatedAt:             coerceTime(fields[fieldUpdatedAt]),
		LastLoginAt:           coerceTime(fields[fieldLastLoginAt]),
		LastRefillAt:          coerceTime(fields[fieldLastRefillAt]),
		LastConsumedAt:        coerceTime(fields[fieldLastConsumedAt]),
		LastConsumedSignature: coerceString(fields[fieldSignature]),
	}
}

// defaultRecord builds the full field set written on first materialization.
func defaultRecord(now time.Time, initialTokens, autoCap int) map[string]any {
	return map[string]any{
		fieldTokens:         initialTokens,
		fieldAutoCap:        autoCap,
		fieldCreatedAt:      now,
		fieldUpdatedAt:      now,
		fieldLastLoginAt:    now,
		fieldLastRefillAt:   now,
		fieldLastConsumedAt: nil,
		fieldSignature:      nil,
	}
}

func coerceInt(v any, def int) int {
	switch n := v.(type) {
	case nil:
		return def
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if parsed, err := n.Int64(); err == nil {
			return int(parsed)
		}
		if parsed, err := n.Float64(); err == nil {
			return int(parsed)
		}
		return def
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return parsed
		}
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return int(parsed)
		}
		return def
	default:
		return def
	}
}

// coerceTime accepts time.Time values and ISO-8601 / RFC 3339 strings.
// Naive timestamps are interpreted as UTC. Anything else decodes to the zero
// time.
func coerceTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case *time.Time:
		if t == nil {
			return time.Time{}
		}
		return t.UTC()
	case string:
		return parseInstant(t)
	default:
		return time.Time{}
	}
}

func parseInstant(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func coerceString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return ""
	}
}
