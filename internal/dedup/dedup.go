// Package dedup decides, exactly once per identity, whether a usage event is
// new.
package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/theirongolddev/spendwatch/internal/model"
)

// Backend is a second opinion on identities, shared beyond this process's
// memory. Claim must be an atomic check-and-insert.
type Backend interface {
	Claim(ctx context.Context, identity string, at time.Time) (bool, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Store is the accept-once identity set. The in-memory set is authoritative
// for this process; an optional backend can veto identities it already holds.
type Store struct {
	mu   sync.Mutex
	seen map[string]time.Time

	backend Backend
	now     func() time.Time
	log     zerolog.Logger

	ambiguous atomic.Int64
}

// New creates a store. backend may be nil.
func New(backend Backend, logger zerolog.Logger) *Store {
	return &Store{
		seen:    make(map[string]time.Time),
		backend: backend,
		now:     time.Now,
		log:     logger.With().Str("component", "dedup").Logger(),
	}
}

// Accept reports whether ev is new and records it if so. Concurrent calls
// with the same identity have exactly one winner. Events without an
// identity are always accepted.
func (s *Store) Accept(ctx context.Context, ev model.UsageEvent) bool {
	if !ev.HasIdentity() {
		n := s.ambiguous.Add(1)
		s.log.Debug().
			Str("provider", ev.ProviderID).
			Time("occurred_at", ev.OccurredAt).
			Int64("total", n).
			Msg("accepting event without identity")
		return true
	}

	now := s.now()
	s.mu.Lock()
	if _, dup := s.seen[ev.Identity]; dup {
		s.mu.Unlock()
		return false
	}
	s.seen[ev.Identity] = now
	s.mu.Unlock()

	if s.backend == nil {
		return true
	}
	claimed, err := s.backend.Claim(ctx, ev.Identity, now)
	if err != nil {
		s.log.Warn().Err(err).Str("identity", ev.Identity).Msg("dedup backend unavailable, trusting memory")
		return true
	}
	return claimed
}

// Seen reports whether identity is already recorded in memory.
func (s *Store) Seen(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[identity]
	return ok
}

// Record returns the first-seen time of identity.
func (s *Store) Record(identity string) (model.DedupRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.seen[identity]
	return model.DedupRecord{Identity: identity, FirstSeenAt: at}, ok
}

// Restore seeds the set from persisted records. Existing entries win.
func (s *Store) Restore(recs []model.DedupRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if _, ok := s.seen[r.Identity]; !ok {
			s.seen[r.Identity] = r.FirstSeenAt
		}
	}
}

// Prune forgets identities first seen before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) int {
	s.mu.Lock()
	n := 0
	for id, at := range s.seen {
		if at.Before(before) {
			delete(s.seen, id)
			n++
		}
	}
	s.mu.Unlock()

	if s.backend != nil {
		if _, err := s.backend.Prune(ctx, before); err != nil {
			s.log.Warn().Err(err).Msg("pruning dedup backend")
		}
	}
	return n
}

// Len returns the number of identities held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Ambiguous returns how many identity-less events were accepted.
func (s *Store) Ambiguous() int64 {
	return s.ambiguous.Load()
}
