package marketdata

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/challenge-engine/internal/model"
)

// DefaultBasePrice anchors synthetic quotes for symbols with no configured base.
var DefaultBasePrice = decimal.NewFromInt(100)

var defaultSpreadPct = decimal.NewFromInt(2)

// Synthesizer produces clearly tagged fallback quotes.
type Synthesizer struct {
	rand func() float64 // uniform in [0, 1)
	now  func() time.Time
}

// NewSynthesizer creates a synthesizer using math/rand/v2 and the wall clock.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{rand: rand.Float64, now: time.Now}
}

// Synthesize builds a quote around the instrument's base price. The result
// always has a positive price and Source set to synthetic.
func (s *Synthesizer) Synthesize(in Instrument, family Family) model.Quote {
	base := in.BasePrice
	if !base.IsPositive() {
		base = DefaultBasePrice
	}
	spread := in.SpreadPct
	if !spread.IsPositive() {
		spread = defaultSpreadPct
	}

	// move in [-spread, +spread) percent
	move := decimal.NewFromFloat(s.rand()*2 - 1).Mul(spread)
	price := base.Mul(decimal.NewFromInt(100).Add(move)).Div(decimal.NewFromInt(100)).Round(2)
	if !price.IsPositive() {
		price = base
	}

	var volume int64
	if in.MaxVolume > in.MinVolume {
		volume = in.MinVolume + int64(s.rand()*float64(in.MaxVolume-in.MinVolume))
	} else {
		volume = in.MinVolume
	}

	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}

	return model.Quote{
		Symbol:    in.Symbol,
		Name:      in.Name,
		ISIN:      in.ISIN,
		Family:    string(family),
		Price:     price,
		ChangePct: move.Round(2),
		Volume:    volume,
		Currency:  currency,
		Source:    model.SourceSynthetic,
		FetchedAt: s.now().UTC(),
	}
}
