// Package marketdata fetches quotes from external feeds and serves them
// from a freshness-bounded in-memory cache.
//
// Each feed family (crypto ticker, exchange scraper) is a Source selected by
// configuration. The Cache runs one refresh loop per family and substitutes a
// synthetic quote whenever a fetch fails, so readers never see an error.
package marketdata

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/propdesk/challenge-engine/internal/model"
)

// Family tags the feed a Source serves.
type Family string

const (
	FamilyCrypto   Family = "crypto"
	FamilyExchange Family = "exchange"
)

var (
	// ErrTransientFetch marks a recoverable fetch failure: network error,
	// timeout, bad status, or a response with no usable price.
	ErrTransientFetch = errors.New("marketdata: transient fetch failure")

	// ErrUnsupportedSymbol marks a symbol the source can never serve.
	ErrUnsupportedSymbol = errors.New("marketdata: unsupported symbol")

	// ErrDuplicateSymbol is returned when two feeds claim the same symbol.
	ErrDuplicateSymbol = errors.New("marketdata: symbol served by more than one feed")

	// ErrAlreadyStarted is returned by a second call to Cache.Start.
	ErrAlreadyStarted = errors.New("marketdata: cache already started")
)

// Instrument describes one tradable symbol and its fallback parameters.
type Instrument struct {
	Symbol   string
	Name     string
	ISIN     string
	Currency string

	// BasePrice anchors synthetic quotes when the feed is down.
	BasePrice decimal.Decimal

	// SpreadPct bounds the random move of a synthetic price around BasePrice.
	SpreadPct decimal.Decimal

	// Volume range reported by synthetic quotes.
	MinVolume, MaxVolume int64
}

// Source fetches quotes for one feed family.
type Source interface {
	// Name identifies the upstream, e.g. "yahoo".
	Name() string

	// Family is the feed family this source serves.
	Family() Family

	// Instruments lists the symbols this source is configured for.
	Instruments() []Instrument

	// FetchQuote retrieves a fresh quote. Errors wrap ErrTransientFetch or
	// ErrUnsupportedSymbol.
	FetchQuote(ctx context.Context, symbol string) (*model.Quote, error)
}

func findInstrument(instruments []Instrument, symbol string) (Instrument, bool) {
	for _, in := range instruments {
		if in.Symbol == symbol {
			return in, true
		}
	}
	return Instrument{}, false
}
