// Package memory is the in-process conversation store.
//
// Each record sits behind its own mutex. The index map is only held long
// enough to look an entry up or insert a new one, so appends to unrelated
// conversations never wait on each other. Lock order is always
// entry → index, never the reverse.
package memory

import (
	"chatrelay/chatrelay/types"
	"chatrelay/chatrelay/utils/apperrors"
	"chatrelay/chatrelay/utils/logging"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultRetention     = 24 * time.Hour
	DefaultSweepInterval = time.Hour

	// bounds id-collision retries when minting
	maxMintAttempts = 8
)

type entry struct {
	mu      sync.Mutex
	record  types.ConversationRecord
	removed bool
}

type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	now   func() time.Time
	newID func() string
}

type Option func(*Store)

// WithClock replaces time.Now, mostly for eviction tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the uuid minting function.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) lookup(id string) *entry {
	if id == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Append adds msg to conversation id and returns the id it landed in. An
// empty or unknown id starts a new conversation under a freshly minted id.
func (s *Store) Append(id string, msg types.Message) (string, error) {
	if e := s.lookup(id); e != nil {
		e.mu.Lock()
		if !e.removed {
			if e.record.ID != id {
				e.mu.Unlock()
				return "", errors.Wrapf(apperrors.ErrStoreInvariant, "entry %q holds record %q", id, e.record.ID)
			}
			now := s.now()
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = now
			}
			e.record.Messages = append(e.record.Messages, msg)
			if now.After(e.record.UpdatedAt) {
				e.record.UpdatedAt = now
			}
			e.mu.Unlock()
			return id, nil
		}
		// swept between lookup and lock; the id is unknown now
		e.mu.Unlock()
	}
	return s.create(msg)
}

func (s *Store) create(msg types.Message) (string, error) {
	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		id := s.newID()
		if id == "" {
			continue
		}
		e := &entry{record: types.ConversationRecord{
			ID:        id,
			Messages:  []types.Message{msg},
			CreatedAt: now,
			UpdatedAt: now,
		}}

		s.mu.Lock()
		if _, taken := s.entries[id]; taken {
			s.mu.Unlock()
			continue
		}
		s.entries[id] = e
		s.mu.Unlock()

		logging.AppLogger.Debug("conversation created", zap.String("conversation_id", id))
		return id, nil
	}
	return "", errors.Wrap(apperrors.ErrStoreInvariant, "could not mint a unique conversation id")
}

// Get returns a copy of the record; ok is false when id is unknown.
func (s *Store) Get(id string) (types.ConversationRecord, bool) {
	e := s.lookup(id)
	if e == nil {
		return types.ConversationRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return types.ConversationRecord{}, false
	}
	return e.record.Clone(), true
}

func (s *Store) snapshot() map[string]*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e
	}
	return out
}

// ListAll returns copies of every live record in no particular order.
func (s *Store) ListAll() []types.ConversationRecord {
	entries := s.snapshot()
	out := make([]types.ConversationRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.record.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EvictOlderThan drops every record whose updatedAt is before now-maxAge.
func (s *Store) EvictOlderThan(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	evicted := 0
	for id, e := range s.snapshot() {
		e.mu.Lock()
		if e.removed || !e.record.UpdatedAt.Before(cutoff) {
			e.mu.Unlock()
			continue
		}
		e.removed = true
		s.mu.Lock()
		if current, ok := s.entries[id]; ok && current == e {
			delete(s.entries, id)
		}
		s.mu.Unlock()
		e.mu.Unlock()
		evicted++
	}
	return evicted
}

// RunSweeper evicts stale records every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, maxAge time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.AppLogger.Info("conversation sweeper started",
		zap.Duration("interval", interval), zap.Duration("retention", maxAge))
	for {
		select {
		case <-ctx.Done():
			logging.AppLogger.Info("conversation sweeper stopped")
			return nil
		case <-ticker.C:
			if n := s.EvictOlderThan(maxAge); n > 0 {
				logging.AppLogger.Info("cleared old conversations",
					zap.Int("evicted", n), zap.Int("remaining", s.Len()))
			}
		}
	}
}

// StartSweeper runs RunSweeper on its own goroutine. The returned channel
// closes once the sweeper has stopped.
func (s *Store) StartSweeper(ctx context.Context, interval, maxAge time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.RunSweeper(ctx, interval, maxAge)
	}()
	return done
}
