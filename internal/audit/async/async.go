// Package async wraps an audit.Store with batched background writes so that
// audit persistence never sits on the hot path of a token operation.
package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fairybook/tokenledger/internal/audit"
)

// Store queues entries in memory and flushes them to the underlying store in
// batches. Entries may be lost if the process crashes before a flush; the
// audit trail is advisory, the token record itself is the source of truth.
type Store struct {
	underlying    audit.Store
	entries       chan audit.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stop          chan struct{}
	logger        *log.Logger
}

// Config controls batching behaviour. Zero values pick conservative defaults.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	ChannelBuffer int
	Logger        *log.Logger
}

// New wraps an existing audit store with asynchronous batch writing.
func New(underlying audit.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 1024
	}

	s := &Store{
		underlying:    underlying,
		entries:       make(chan audit.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stop:          make(chan struct{}),
		logger:        cfg.Logger,
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

func (s *Store) writer() {
	defer s.wg.Done()

	batch := make([]audit.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil && s.logger != nil {
				s.logger.Printf("audit flush failed user=%s op=%s: %v", entry.UserKey, entry.Op, err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.entries:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			close(s.entries)
			for entry := range s.entries {
				batch = append(batch, entry)
				if len(batch) >= s.batchSize {
					flush()
				}
			}
			flush()
			return
		}
	}
}

// Record queues an entry without blocking. When the queue is full the entry
// is dropped and a warning logged.
func (s *Store) Record(ctx context.Context, entry audit.Entry) error {
	select {
	case s.entries <- entry:
		return nil
	default:
		if s.logger != nil {
			s.logger.Printf("audit queue full, dropping entry user=%s op=%s", entry.UserKey, entry.Op)
		}
		return nil
	}
}

// Summary delegates to the underlying store.
func (s *Store) Summary(ctx context.Context, userKey string) (audit.Summary, error) {
	return s.underlying.Summary(ctx, userKey)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, userKey string, limit int) ([]audit.Entry, error) {
	return s.underlying.ListRecent(ctx, userKey, limit)
}

// Close flushes queued entries and closes the underlying store.
func (s *Store) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.underlying.Close()
}
