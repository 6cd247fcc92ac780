// Package snapshot keeps the per-challenge equity baseline used by the
// daily loss rule.
//
// Snapshots live in memory only and are rebuilt empty on restart. A
// challenge seen for the first time gets its initial balance as baseline,
// which after a mid-day restart can differ from the true day-start equity.
package snapshot

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/challenge-engine/internal/model"
)

// Store maps challenge IDs to the equity captured at the start of the
// current evaluation period. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	baselines map[string]decimal.Decimal
	lastReset time.Time
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{
		baselines: make(map[string]decimal.Decimal),
	}
}

// SnapshotFor returns the period-start equity for c, initializing it to
// the challenge's initial balance if none has been recorded.
func (s *Store) SnapshotFor(c *model.Challenge) decimal.Decimal {
	s.mu.RLock()
	v, ok := s.baselines[c.ID]
	s.mu.RUnlock()
	if ok {
		return v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have initialized it between the two locks.
	if v, ok := s.baselines[c.ID]; ok {
		return v
	}
	s.baselines[c.ID] = c.InitialBalance
	return c.InitialBalance
}

// Get returns the recorded snapshot without initializing a missing one.
func (s *Store) Get(id string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.baselines[id]
	return v, ok
}

// Set records an explicit baseline, e.g. when a challenge is created.
func (s *Store) Set(id string, equity decimal.Decimal) {
	s.mu.Lock()
	s.baselines[id] = equity
	s.mu.Unlock()
}

// ResetAll overwrites the baseline of every given challenge with its current
// balance. Running it twice in one period recaptures the same values.
// Returns the number of baselines written.
func (s *Store) ResetAll(active []model.Challenge, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range active {
		c := &active[i]
		if c.IsTerminal() {
			continue
		}
		s.baselines[c.ID] = c.CurrentBalance
		n++
	}
	s.lastReset = at
	return n
}

// Forget drops the baseline of a challenge that has left the active state.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	delete(s.baselines, id)
	s.mu.Unlock()
}

// Len returns the number of tracked challenges.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.baselines)
}

// LastReset returns when ResetAll last ran (zero if never).
func (s *Store) LastReset() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReset
}
