package audit

import (
	"context"
	"time"
)

// Op classifies a token record mutation.
type Op string

const (
	OpInitialize Op = "initialize"
	OpRefill     Op = "refill"
	OpConsume    Op = "consume"
	OpAdminSet   Op = "admin_set"
	OpTopUp      Op = "topup"
)

// Valid reports whether the op is one of the known mutation kinds.
func (o Op) Valid() bool {
	switch o {
	case OpInitialize, OpRefill, OpConsume, OpAdminSet, OpTopUp:
		return true
	}
	return false
}

// Entry is a single mutation recorded against a user's token record.
type Entry struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	UserKey   string    `json:"user_key"`
	Op        Op        `json:"op"`
	Delta     int64     `json:"delta"`
	Balance   int64     `json:"balance"`
	Signature string    `json:"signature,omitempty"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary aggregates grants against consumption for one user.
type Summary struct {
	GrantedTokens  int64 `json:"granted_tokens"`
	ConsumedTokens int64 `json:"consumed_tokens"`
	NetTokens      int64 `json:"net_tokens"`
}

// Store defines persistence behaviour for the audit trail.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	ListRecent(ctx context.Context, userKey string, limit int) ([]Entry, error)
	Summary(ctx context.Context, userKey string) (Summary, error)
	Close() error
}
