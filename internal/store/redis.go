package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/propdesk/challenge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache for single-challenge reads. Writes go to the primary
// store and invalidate the cache; listing queries always hit the primary so
// the monitor never evaluates a stale active set.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	if err := s.primary.CreateChallenge(ctx, c); err != nil {
		return err
	}
	s.cacheChallenge(ctx, c)
	return nil
}

func (s *CachedStore) UpdateChallenge(ctx context.Context, id, status string, endDate time.Time) error {
	// Invalidate even on failure: an ErrNotActive means the cached copy was stale.
	defer s.rdb.Del(ctx, challengeKey(id))
	return s.primary.UpdateChallenge(ctx, id, status, endDate)
}

func (s *CachedStore) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if err := s.primary.UpdateBalance(ctx, id, balance); err != nil {
		return err
	}
	s.rdb.Del(ctx, challengeKey(id))
	return nil
}

func (s *CachedStore) AppendTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.AppendTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradesKey(t.ChallengeID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	data, err := s.rdb.Get(ctx, challengeKey(id)).Bytes()
	if err == nil {
		var c model.Challenge
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	// Cache miss: read from primary.
	c, err := s.primary.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheChallenge(ctx, c)
	return c, nil
}

// GetChallengeFresh reads the primary without touching the cache. A reader
// that filled the cache here could race a concurrent write and re-insert a
// balance the write had just invalidated.
func (s *CachedStore) GetChallengeFresh(ctx context.Context, id string) (*model.Challenge, error) {
	return s.primary.GetChallenge(ctx, id)
}

func (s *CachedStore) ListTradesByChallenge(ctx context.Context, challengeID string) ([]model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradesKey(challengeID)).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.ListTradesByChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesKey(challengeID), data, s.ttl)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) FindActiveChallenges(ctx context.Context) ([]model.Challenge, error) {
	return s.primary.FindActiveChallenges(ctx)
}

func (s *CachedStore) ListChallengesByUser(ctx context.Context, userID string) ([]model.Challenge, error) {
	return s.primary.ListChallengesByUser(ctx, userID)
}

func (s *CachedStore) ListChallenges(ctx context.Context) ([]model.Challenge, error) {
	return s.primary.ListChallenges(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheChallenge(ctx context.Context, c *model.Challenge) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, challengeKey(c.ID), data, s.ttl)
	}
}

func challengeKey(id string) string { return fmt.Sprintf("challenge:%s", id) }
func tradesKey(id string) string    { return fmt.Sprintf("trades:%s", id) }
