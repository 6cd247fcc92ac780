package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/challenge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	challenges map[string]*model.Challenge
	trades     []model.Trade

	// failUpdates makes UpdateChallenge fail, to exercise retry paths.
	failUpdates error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]*model.Challenge),
	}
}

// FailUpdates makes every subsequent UpdateChallenge return err.
// Pass nil to restore normal behavior.
func (s *MemoryStore) FailUpdates(err error) {
	s.mu.Lock()
	s.failUpdates = err
	s.mu.Unlock()
}

func (s *MemoryStore) CreateChallenge(_ context.Context, c *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[c.ID]; ok {
		return fmt.Errorf("challenge %s already exists", c.ID)
	}

	// Store a copy to avoid external mutation.
	s.challenges[c.ID] = cloneChallenge(c)
	return nil
}

func (s *MemoryStore) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	return cloneChallenge(c), nil
}

func (s *MemoryStore) FindActiveChallenges(_ context.Context) ([]model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []model.Challenge
	for _, c := range s.challenges {
		if c.Status == model.StatusActive {
			active = append(active, *cloneChallenge(c))
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartDate.Before(active[j].StartDate) })
	return active, nil
}

func (s *MemoryStore) ListChallengesByUser(_ context.Context, userID string) ([]model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Challenge
	for _, c := range s.challenges {
		if c.UserID == userID {
			result = append(result, *cloneChallenge(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartDate.After(result[j].StartDate) })
	return result, nil
}

func (s *MemoryStore) ListChallenges(_ context.Context) ([]model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Challenge, 0, len(s.challenges))
	for _, c := range s.challenges {
		result = append(result, *cloneChallenge(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartDate.After(result[j].StartDate) })
	return result, nil
}

func (s *MemoryStore) UpdateChallenge(_ context.Context, id, status string, endDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdates != nil {
		return s.failUpdates
	}
	c, ok := s.challenges[id]
	if !ok {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	if c.Status != model.StatusActive {
		return fmt.Errorf("challenge %s is %s: %w", id, c.Status, ErrNotActive)
	}
	end := endDate
	c.Status = status
	c.EndDate = &end
	return nil
}

func (s *MemoryStore) UpdateBalance(_ context.Context, id string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	c.CurrentBalance = balance
	return nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[t.ChallengeID]; !ok {
		return fmt.Errorf("challenge %s: %w", t.ChallengeID, ErrNotFound)
	}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByChallenge(_ context.Context, challengeID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.ChallengeID == challengeID {
			result = append(result, t)
		}
	}
	return result, nil
}

func cloneChallenge(c *model.Challenge) *model.Challenge {
	cp := *c
	if c.EndDate != nil {
		end := *c.EndDate
		cp.EndDate = &end
	}
	return &cp
}
