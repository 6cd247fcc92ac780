// Package store defines the store of record for challenges and trades.
// Implementations include PostgreSQL and SQLite (sources of truth), Redis
// (read-through cache over either), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/challenge-engine/internal/model"
)

var (
	// ErrNotFound is returned when a challenge does not exist.
	ErrNotFound = errors.New("store: challenge not found")

	// ErrNotActive is returned when a status update targets a challenge that
	// has already left the active state.
	ErrNotActive = errors.New("store: challenge is not active")
)

// Store is the persistence contract the engine consumes. Each method is
// atomic for the row it touches; nothing spans challenges.
type Store interface {
	// --- Challenge operations ---

	// CreateChallenge persists a new active challenge.
	CreateChallenge(ctx context.Context, c *model.Challenge) error

	// GetChallenge retrieves a challenge by ID or returns ErrNotFound.
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)

	// FindActiveChallenges returns every challenge with status active.
	FindActiveChallenges(ctx context.Context) ([]model.Challenge, error)

	// ListChallengesByUser returns a user's challenges, newest first.
	ListChallengesByUser(ctx context.Context, userID string) ([]model.Challenge, error)

	// ListChallenges returns every challenge, newest first.
	ListChallenges(ctx context.Context) ([]model.Challenge, error)

	// UpdateChallenge moves an active challenge to a terminal status and
	// stamps its end date. Returns ErrNotActive if it is already terminal.
	UpdateChallenge(ctx context.Context, id, status string, endDate time.Time) error

	// UpdateBalance overwrites the current balance.
	UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error

	// --- Append-only trade ledger ---

	// AppendTrade records an immutable closed trade.
	AppendTrade(ctx context.Context, t *model.Trade) error

	// ListTradesByChallenge returns a challenge's trades in close order.
	ListTradesByChallenge(ctx context.Context, challengeID string) ([]model.Trade, error)
}

// FreshReader is implemented by stores that cache single-challenge reads.
// GetChallengeFresh always reads the store of record and never fills the
// cache.
type FreshReader interface {
	GetChallengeFresh(ctx context.Context, id string) (*model.Challenge, error)
}

// GetFresh reads a challenge from the store of record, bypassing any cache.
// Rule checks and balance updates must read through it.
func GetFresh(ctx context.Context, st Store, id string) (*model.Challenge, error) {
	if fr, ok := st.(FreshReader); ok {
		return fr.GetChallengeFresh(ctx, id)
	}
	return st.GetChallenge(ctx, id)
}
