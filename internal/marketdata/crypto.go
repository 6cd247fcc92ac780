package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/challenge-engine/internal/model"
)

// DefaultYahooURL is the public Yahoo Finance API host.
const DefaultYahooURL = "https://query1.finance.yahoo.com"

// DefaultCryptoInstruments are the crypto tickers tracked out of the box.
func DefaultCryptoInstruments() []Instrument {
	return []Instrument{
		{Symbol: "BTC-USD", Name: "Bitcoin", Currency: "USD", BasePrice: decimal.NewFromInt(95000),
			SpreadPct: decimal.NewFromInt(5), MinVolume: 50_000_000, MaxVolume: 50_000_000},
		{Symbol: "ETH-USD", Name: "Ethereum", Currency: "USD", BasePrice: decimal.NewFromInt(3200),
			SpreadPct: decimal.NewFromInt(9), MinVolume: 20_000_000, MaxVolume: 20_000_000},
	}
}

// CryptoSource implements Source using the Yahoo Finance chart API.
type CryptoSource struct {
	Client      *http.Client
	BaseURL     string
	instruments []Instrument
}

// NewCryptoSource creates a Yahoo-backed crypto source. An empty baseURL
// selects DefaultYahooURL; nil instruments selects the defaults.
func NewCryptoSource(baseURL string, timeout time.Duration, instruments []Instrument) *CryptoSource {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	if instruments == nil {
		instruments = DefaultCryptoInstruments()
	}
	return &CryptoSource{
		Client:      &http.Client{Timeout: timeout},
		BaseURL:     strings.TrimRight(baseURL, "/"),
		instruments: instruments,
	}
}

func (s *CryptoSource) Name() string              { return "yahoo" }
func (s *CryptoSource) Family() Family            { return FamilyCrypto }
func (s *CryptoSource) Instruments() []Instrument { return s.instruments }

// yahooChart is the subset of the chart API response we read.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string   `json:"currency"`
				RegularMarketPrice *float64 `json:"regularMarketPrice"`
				ChartPreviousClose *float64 `json:"chartPreviousClose"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchQuote reads the latest one-minute bar of the day. Change percent is
// the bar's close against its open.
func (s *CryptoSource) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	in, ok := findInstrument(s.instruments, symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1m&range=1d", s.BaseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("yahoo request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: yahoo fetch: %v", ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: yahoo read body: %v", ErrTransientFetch, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: yahoo does not know %s", ErrUnsupportedSymbol, symbol)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: yahoo status %d", ErrTransientFetch, resp.StatusCode)
	}

	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, fmt.Errorf("%w: yahoo decode: %v", ErrTransientFetch, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("%w: yahoo api error: %s", ErrTransientFetch, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: yahoo returned no result", ErrTransientFetch)
	}

	result := chart.Chart.Result[0]
	q := &model.Quote{
		Symbol:    in.Symbol,
		Name:      in.Name,
		Family:    string(FamilyCrypto),
		Currency:  in.Currency,
		Source:    model.SourceReal,
		FetchedAt: time.Now().UTC(),
	}
	if result.Meta.Currency != "" {
		q.Currency = result.Meta.Currency
	}

	if len(result.Indicators.Quote) > 0 {
		bars := result.Indicators.Quote[0]
		// Walk back to the most recent bar with a close; trailing bars can be null.
		for i := len(bars.Close) - 1; i >= 0; i-- {
			c := valueAt(bars.Close, i)
			if c <= 0 {
				continue
			}
			o := valueAt(bars.Open, i)
			q.Price = decimal.NewFromFloat(c).Round(2)
			if o > 0 {
				q.ChangePct = decimal.NewFromFloat((c - o) / o * 100).Round(2)
			}
			q.Volume = int64(valueAt(bars.Volume, i))
			return q, nil
		}
	}

	// No usable bar: fall back to the meta block.
	if p := result.Meta.RegularMarketPrice; p != nil && *p > 0 {
		q.Price = decimal.NewFromFloat(*p).Round(2)
		if prev := result.Meta.ChartPreviousClose; prev != nil && *prev > 0 {
			q.ChangePct = decimal.NewFromFloat((*p - *prev) / *prev * 100).Round(2)
		}
		return q, nil
	}

	return nil, fmt.Errorf("%w: yahoo returned no price for %s", ErrTransientFetch, symbol)
}

func valueAt(vals []*float64, i int) float64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	return *vals[i]
}
