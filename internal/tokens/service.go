package tokens

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/fairybook/tokenledger/internal/audit"
	"github.com/fairybook/tokenledger/internal/docstore"
)

// Service orchestrates the public token operations against one document
// store. Operations for different user keys are fully independent; operations
// for the same key serialize through the store's atomic Update.
type Service struct {
	store         docstore.Store
	audit         audit.Store
	clock         Clock
	zone          *time.Location
	initialTokens int
	autoCap       int
	logger        *log.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithZone sets the reference timezone for daily refill boundaries.
func WithZone(zone *time.Location) Option {
	return func(s *Service) { s.zone = zone }
}

// WithDefaults overrides the initial balance and auto-refill cap applied to
// new records. Non-positive values keep the built-in defaults.
func WithDefaults(initialTokens, autoCap int) Option {
	return func(s *Service) {
		if initialTokens > 0 {
			s.initialTokens = initialTokens
		}
		if autoCap > 0 {
			s.autoCap = autoCap
		}
	}
}

// WithAudit attaches an audit trail. Recording is best effort: a failed audit
// write never fails the user-facing operation.
func WithAudit(store audit.Store) Option {
	return func(s *Service) { s.audit = store }
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService builds a Service over the given store. The store is injected
// with an explicit lifecycle; the service never constructs or caches storage
// clients itself.
func NewService(store docstore.Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		clock:         systemClock{},
		initialTokens: DefaultInitialTokens,
		autoCap:       DefaultAutoCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.zone == nil {
		zone, err := time.LoadLocation(DefaultZoneName)
		if err != nil {
			zone = time.UTC
		}
		s.zone = zone
	}
	return s
}

// SyncResult reports the outcome of SyncOnLogin.
type SyncResult struct {
	Status      Status
	Initialized bool
	RefilledBy  int
}

// ConsumeResult reports the outcome of Consume.
type ConsumeResult struct {
	Consumed  bool
	Status    Status
	Signature string
}

// Status returns the current record for userKey, or nil when no record
// exists. A record missing its creation timestamp (legacy partial write) is
// corrected in place with a merge write before being returned.
func (s *Service) Status(ctx context.Context, userKey string) (*Status, error) {
	if err := validateKey(userKey); err != nil {
		return nil, err
	}
	fields, exists, err := s.store.Get(ctx, userKey)
	if err != nil {
		return nil, wrapStore("get", err)
	}
	if !exists {
		return nil, nil
	}
	st := decodeStatus(fields)
	if st.CreatedAt.IsZero() {
		now := s.clock.Now().UTC()
		backfill := docstore.Fields{fieldCreatedAt: now, fieldUpdatedAt: now}
		if err := s.store.Merge(ctx, userKey, backfill); err != nil {
			return nil, wrapStore("merge", err)
		}
		st.CreatedAt = now
		st.UpdatedAt = now
	}
	return &st, nil
}

// SyncOnLogin establishes the record on first login and applies the daily
// refill on subsequent ones. The refill anchor only advances on days a refill
// actually happened, so partial days never drift the schedule. Pass a zero
// now to use the service clock.
func (s *Service) SyncOnLogin(ctx context.Context, userKey string, now time.Time) (SyncResult, error) {
	if err := validateKey(userKey); err != nil {
		return SyncResult{}, err
	}
	at := s.at(now)

	var res SyncResult
	err := s.store.Update(ctx, userKey, func(current docstore.Fields, exists bool) (docstore.Fields, error) {
		if !exists {
			doc := defaultRecord(at, s.initialTokens, s.autoCap)
			res = SyncResult{Status: decodeStatus(doc), Initialized: true}
			return doc, nil
		}

		st := decodeStatus(current)
		createdAt := st.CreatedAt
		if createdAt.IsZero() {
			createdAt = at
		}
		refill := ComputeRefill(st.LastRefillAt, createdAt, at, st.Tokens, st.AutoCap, s.zone)

		updates := docstore.Fields{
			fieldTokens:      st.Tokens + refill,
			fieldAutoCap:     st.AutoCap,
			fieldLastLoginAt: at,
			fieldUpdatedAt:   at,
		}
		if st.CreatedAt.IsZero() {
			updates[fieldCreatedAt] = createdAt
		}
		if refill > 0 {
			updates[fieldLastRefillAt] = at
		}
		res = SyncResult{
			Status:     decodeStatus(docstore.Merged(current, updates)),
			RefilledBy: refill,
		}
		return updates, nil
	})
	if err != nil {
		return SyncResult{}, wrapStore("sync", err)
	}

	if res.Initialized {
		s.recordAudit(ctx, userKey, audit.OpInitialize, int64(res.Status.Tokens), res.Status, "", "first login")
	} else if res.RefilledBy > 0 {
		s.recordAudit(ctx, userKey, audit.OpRefill, int64(res.RefilledBy), res.Status, "", "daily refill")
	}
	return res, nil
}

// Consume idempotently debits one token for one unit of gated work. The
// signature identifies that unit; re-invoking Consume with the signature of
// the most recent successful debit is a no-op reporting Consumed=false.
//
// Only the latest signature is remembered: a different, new signature always
// debits even if an older one was charged before. Returns
// *InsufficientTokensError when the record is absent or the balance is zero.
func (s *Service) Consume(ctx context.Context, userKey, signature string, now time.Time) (ConsumeResult, error) {
	if err := validateKey(userKey); err != nil {
		return ConsumeResult{}, err
	}
	at := s.at(now)

	var res ConsumeResult
	err := s.store.Update(ctx, userKey, func(current docstore.Fields, exists bool) (docstore.Fields, error) {
		if !exists {
			return nil, &InsufficientTokensError{Available: 0}
		}

		st := decodeStatus(current)
		if signature != "" && st.LastConsumedSignature != "" && signature == st.LastConsumedSignature {
			// Duplicate of the last charge: no balance change, no timestamps.
			res = ConsumeResult{Consumed: false, Status: st, Signature: st.LastConsumedSignature}
			return nil, nil
		}
		if st.Tokens <= 0 {
			return nil, &InsufficientTokensError{Available: st.Tokens}
		}

		updates := docstore.Fields{
			fieldTokens:         st.Tokens - 1,
			fieldLastConsumedAt: at,
			fieldUpdatedAt:      at,
		}
		if signature != "" {
			updates[fieldSignature] = signature
		}
		res = ConsumeResult{
			Consumed:  true,
			Status:    decodeStatus(docstore.Merged(current, updates)),
			Signature: signature,
		}
		return updates, nil
	})
	if err != nil {
		return ConsumeResult{}, wrapStore("consume", err)
	}

	if res.Consumed {
		s.recordAudit(ctx, userKey, audit.OpConsume, -1, res.Status, signature, "")
	}
	return res, nil
}

// SetTokens writes the balance directly, clamped to >= 0, optionally updating
// the auto cap (clamped to >= 0). An absent record is created with the full
// default field set and the requested balance/cap substituted in. An existing
// created_at is always preserved.
func (s *Service) SetTokens(ctx context.Context, userKey string, tokens int, autoCap *int, now time.Time) (*Status, error) {
	if err := validateKey(userKey); err != nil {
		return nil, err
	}
	at := s.at(now)
	sanitized := tokens
	if sanitized < 0 {
		sanitized = 0
	}

	var res Status
	var prevTokens int
	var existed bool
	err := s.store.Update(ctx, userKey, func(current docstore.Fields, exists bool) (docstore.Fields, error) {
		existed = exists
		if !exists {
			doc := defaultRecord(at, s.initialTokens, s.autoCap)
			doc[fieldTokens] = sanitized
			if autoCap != nil {
				c := *autoCap
				if c < 0 {
					c = 0
				}
				doc[fieldAutoCap] = c
			}
			res = decodeStatus(doc)
			return doc, nil
		}

		prevTokens = decodeStatus(current).Tokens
		updates := docstore.Fields{
			fieldTokens:    sanitized,
			fieldUpdatedAt: at,
		}
		if autoCap != nil {
			c := *autoCap
			if c < 0 {
				c = 0
			}
			updates[fieldAutoCap] = c
		}
		res = decodeStatus(docstore.Merged(current, updates))
		if res.CreatedAt.IsZero() {
			// Reported, not written: the lazy backfill belongs to Status.
			res.CreatedAt = at
		}
		return updates, nil
	})
	if err != nil {
		return nil, wrapStore("set", err)
	}

	delta := int64(res.Tokens)
	if existed {
		delta = int64(res.Tokens - prevTokens)
	}
	s.recordAudit(ctx, userKey, audit.OpAdminSet, delta, res, "", "administrative set")
	return &res, nil
}

// TopUp adds amount to the current balance. Amounts <= 0 are a no-op that
// returns (or initializes) the current status. Unless allowExceedCap is set,
// the result clamps to the record's auto cap.
func (s *Service) TopUp(ctx context.Context, userKey string, amount int, allowExceedCap bool, now time.Time) (*Status, error) {
	if err := validateKey(userKey); err != nil {
		return nil, err
	}
	at := s.at(now)

	var res Status
	var granted int64
	var initialized bool
	err := s.store.Update(ctx, userKey, func(current docstore.Fields, exists bool) (docstore.Fields, error) {
		if !exists {
			doc := defaultRecord(at, s.initialTokens, s.autoCap)
			if amount > 0 {
				initial := amount
				if !allowExceedCap && initial > s.autoCap {
					initial = s.autoCap
				}
				doc[fieldTokens] = initial
			}
			initialized = true
			res = decodeStatus(doc)
			granted = int64(res.Tokens)
			return doc, nil
		}

		st := decodeStatus(current)
		if amount <= 0 {
			res = st
			return nil, nil
		}
		total := st.Tokens + amount
		if !allowExceedCap && total > st.AutoCap {
			total = st.AutoCap
		}
		updates := docstore.Fields{
			fieldTokens:    total,
			fieldUpdatedAt: at,
		}
		granted = int64(total - st.Tokens)
		res = decodeStatus(docstore.Merged(current, updates))
		return updates, nil
	})
	if err != nil {
		return nil, wrapStore("topup", err)
	}

	if initialized || granted != 0 {
		op := audit.OpTopUp
		if initialized {
			op = audit.OpInitialize
		}
		s.recordAudit(ctx, userKey, op, granted, res, "", "top up")
	}
	return &res, nil
}

// RefillToCap tops the balance up to the record's auto cap without raising
// the cap itself, creating a record at cap when none exists. This is the
// admin "refill" action.
func (s *Service) RefillToCap(ctx context.Context, userKey string, now time.Time) (*Status, error) {
	if err := validateKey(userKey); err != nil {
		return nil, err
	}
	at := s.at(now)

	var res Status
	var granted int64
	err := s.store.Update(ctx, userKey, func(current docstore.Fields, exists bool) (docstore.Fields, error) {
		if !exists {
			doc := defaultRecord(at, s.initialTokens, s.autoCap)
			doc[fieldTokens] = s.autoCap
			res = decodeStatus(doc)
			granted = int64(res.Tokens)
			return doc, nil
		}

		st := decodeStatus(current)
		total := st.Tokens + st.AutoCap
		if total > st.AutoCap {
			total = st.AutoCap
		}
		if total == st.Tokens {
			res = st
			return nil, nil
		}
		updates := docstore.Fields{
			fieldTokens:    total,
			fieldUpdatedAt: at,
		}
		granted = int64(total - st.Tokens)
		res = decodeStatus(docstore.Merged(current, updates))
		return updates, nil
	})
	if err != nil {
		return nil, wrapStore("refill", err)
	}

	if granted > 0 {
		s.recordAudit(ctx, userKey, audit.OpTopUp, granted, res, "", "admin refill to cap")
	}
	return &res, nil
}

func (s *Service) at(now time.Time) time.Time {
	if now.IsZero() {
		return s.clock.Now().UTC()
	}
	return now.UTC()
}

func (s *Service) recordAudit(ctx context.Context, userKey string, op audit.Op, delta int64, st Status, signature, memo string) {
	if s.audit == nil {
		return
	}
	entry := audit.Entry{
		UserKey:   userKey,
		Op:        op,
		Delta:     delta,
		Balance:   int64(st.Tokens),
		Signature: signature,
		Memo:      memo,
		CreatedAt: st.UpdatedAt,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now().UTC()
	}
	if err := s.audit.Record(ctx, entry); err != nil && s.logger != nil {
		s.logger.Printf("audit record failed user=%s op=%s: %v", userKey, op, err)
	}
}

func validateKey(userKey string) error {
	if strings.TrimSpace(userKey) == "" {
		return ErrUserKeyRequired
	}
	return nil
}
