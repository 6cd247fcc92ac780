// Package model defines the core domain types shared across the challenge engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Challenge lifecycle states. Active is the only initial and the only
// non-terminal state.
const (
	StatusActive = "active"
	StatusPassed = "passed"
	StatusFailed = "failed"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Quote provenance tags.
const (
	SourceReal      = "real"
	SourceSynthetic = "synthetic"
)

// Challenge is one funded-account evaluation run by a trader.
// EndDate is set exactly once, on the active -> terminal transition.
type Challenge struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Type           string          `json:"type" db:"type"` // Starter, Pro, Elite, Free
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	Status         string          `json:"status" db:"status"`
	StartDate      time.Time       `json:"start_date" db:"start_date"`
	EndDate        *time.Time      `json:"end_date,omitempty" db:"end_date"`
}

// IsTerminal reports whether the challenge has left the active state.
func (c *Challenge) IsTerminal() bool {
	return c.Status != StatusActive
}

// PnL is the running profit or loss against the initial balance.
func (c *Challenge) PnL() decimal.Decimal {
	return c.CurrentBalance.Sub(c.InitialBalance)
}

// Trade is an immutable record of a closed position.
// Its PnL is the only thing that moves a challenge's balance.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	ChallengeID string          `json:"challenge_id" db:"challenge_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Side        string          `json:"side" db:"side"` // BUY or SELL
	EntryPrice  decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price" db:"exit_price"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	PnL         decimal.Decimal `json:"pnl" db:"pnl"`
	OpenedAt    time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at" db:"closed_at"`
}

// Quote is a point-in-time market observation for one symbol.
// Quotes are replaced wholesale, never mutated in place.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	ISIN      string          `json:"isin,omitempty"`
	Family    string          `json:"family"`
	Price     decimal.Decimal `json:"price"`
	ChangePct decimal.Decimal `json:"change_pct"`
	Volume    int64           `json:"volume"`
	Currency  string          `json:"currency"`
	Source    string          `json:"source"` // real or synthetic
	FetchedAt time.Time       `json:"fetched_at"`
}

// IsSynthetic reports whether the quote was produced by the fallback synthesizer.
func (q Quote) IsSynthetic() bool {
	return q.Source == SourceSynthetic
}

// CacheEntry wraps a Quote with the time it entered the cache.
type CacheEntry struct {
	Quote    Quote     `json:"quote"`
	StoredAt time.Time `json:"stored_at"`
}

// Age returns how long the entry has been stored as of now.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}
