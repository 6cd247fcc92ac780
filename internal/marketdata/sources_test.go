package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propdesk/challenge-engine/internal/model"
)

const chartJSON = `{"chart":{"result":[{"meta":{"currency":"USD","regularMarketPrice":95100.0,"chartPreviousClose":94000.0},
"timestamp":[1,2,3],
"indicators":{"quote":[{"open":[94000.0,95000.0,null],"close":[94500.0,95950.0,null],"volume":[10,1234,null]}]}}],"error":null}}`

func TestCryptoSourceFetchQuote(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chartJSON)
	}))
	defer srv.Close()

	src := NewCryptoSource(srv.URL, time.Second, nil)
	q, err := src.FetchQuote(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.Equal(t, "/v8/finance/chart/BTC-USD", gotPath)
	assert.Equal(t, "BTC-USD", q.Symbol)
	assert.Equal(t, "Bitcoin", q.Name)
	assert.Equal(t, "crypto", q.Family)
	assert.Equal(t, model.SourceReal, q.Source)
	// trailing null bar is skipped
	assert.True(t, q.Price.Equal(decimal.NewFromFloat(95950)), "price %s", q.Price)
	assert.True(t, q.ChangePct.Equal(decimal.NewFromFloat(1)), "change %s", q.ChangePct)
	assert.Equal(t, int64(1234), q.Volume)
}

func TestCryptoSourceMetaFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chart":{"result":[{"meta":{"regularMarketPrice":3300,"chartPreviousClose":3000},"indicators":{"quote":[{"close":[null]}]}}]}}`)
	}))
	defer srv.Close()

	q, err := NewCryptoSource(srv.URL, time.Second, nil).FetchQuote(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "3300", q.Price.String())
	assert.Equal(t, "10", q.ChangePct.String())
	assert.Equal(t, "USD", q.Currency)
}

func TestCryptoSourceErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusInternalServerError, "oops", ErrTransientFetch},
		{"not found", http.StatusNotFound, "", ErrUnsupportedSymbol},
		{"bad json", http.StatusOK, "{", ErrTransientFetch},
		{"api error", http.StatusOK, `{"chart":{"result":null,"error":{"code":"x","description":"boom"}}}`, ErrTransientFetch},
		{"no result", http.StatusOK, `{"chart":{"result":[]}}`, ErrTransientFetch},
		{"no price", http.StatusOK, `{"chart":{"result":[{"meta":{}}]}}`, ErrTransientFetch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewCryptoSource(srv.URL, time.Second, nil).FetchQuote(context.Background(), "BTC-USD")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCryptoSourceUnknownSymbol(t *testing.T) {
	_, err := NewCryptoSource("http://127.0.0.1:1", time.Second, nil).FetchQuote(context.Background(), "DOGE-USD")
	assert.ErrorIs(t, err, ErrUnsupportedSymbol)
}

func TestCryptoSourceTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewCryptoSource(srv.URL, 5*time.Second, nil).FetchQuote(ctx, "BTC-USD")
	assert.ErrorIs(t, err, ErrTransientFetch)
	assert.Less(t, time.Since(start), 2*time.Second)
}

const instrumentPage = `<html><body>
<table>
  <tr><td>Cours de référence (MAD)</td><td>110,00</td></tr>
  <tr><td>Cours (MAD)</td><td> 111,05 </td></tr>
  <tr><td>Variation</td><td><span>-1,02 %</span></td></tr>
  <tr><td>Volume</td><td>12&nbsp;345</td></tr>
  <tr><td>Capitalisation</td><td>97 000 000</td></tr>
</table>
</body></html>`

func TestExchangeSourceFetchQuote(t *testing.T) {
	var gotPath, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLang = r.Header.Get("Accept-Language")
		fmt.Fprint(w, instrumentPage)
	}))
	defer srv.Close()

	q, err := NewExchangeSource(srv.URL, time.Second, nil).FetchQuote(context.Background(), "IAM")
	require.NoError(t, err)

	assert.Equal(t, "/fr/live-market/instruments/IAM", gotPath)
	assert.Contains(t, gotLang, "fr")
	assert.Equal(t, "111.05", q.Price.String())
	assert.Equal(t, "-1.02", q.ChangePct.String())
	assert.Equal(t, int64(12345), q.Volume)
	assert.Equal(t, "MAD", q.Currency)
	assert.Equal(t, "MA0000011488", q.ISIN)
	assert.Equal(t, "exchange", q.Family)
}

func TestExchangeSourceFieldFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<table><tr><td>Cours (MAD)</td><td>555,00</td></tr>
<tr><td>Variation</td><td>--</td></tr><tr><td>Quantité échangée</td><td>n/d</td></tr></table>`)
	}))
	defer srv.Close()

	q, err := NewExchangeSource(srv.URL, time.Second, nil).FetchQuote(context.Background(), "ATW")
	require.NoError(t, err)
	assert.Equal(t, "555", q.Price.String())
	assert.True(t, q.ChangePct.IsZero())
	assert.Equal(t, int64(0), q.Volume)
}

func TestExchangeSourceNoPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<table><tr><td>Variation</td><td>1,00 %</td></tr></table>`)
	}))
	defer srv.Close()

	_, err := NewExchangeSource(srv.URL, time.Second, nil).FetchQuote(context.Background(), "LHM")
	assert.ErrorIs(t, err, ErrTransientFetch)
}

func TestExchangeSourceBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewExchangeSource(srv.URL, time.Second, nil).FetchQuote(context.Background(), "SMI")
	assert.True(t, errors.Is(err, ErrTransientFetch))
}

func TestSynthesize(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	in := Instrument{
		Symbol: "IAM", Currency: "MAD",
		BasePrice: decimal.NewFromInt(100), SpreadPct: decimal.NewFromInt(2),
		MinVolume: 50_000, MaxVolume: 200_000,
	}

	tests := []struct {
		name      string
		r         float64
		wantPrice string
		wantVol   int64
	}{
		{"low end", 0, "98", 50_000},
		{"middle", 0.5, "100", 125_000},
		{"high end", 0.75, "101", 162_500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Synthesizer{rand: func() float64 { return tt.r }, now: func() time.Time { return fixed }}
			q := s.Synthesize(in, FamilyExchange)

			assert.Equal(t, tt.wantPrice, q.Price.String())
			assert.Equal(t, tt.wantVol, q.Volume)
			assert.True(t, q.IsSynthetic())
			assert.Equal(t, "MAD", q.Currency)
			assert.Equal(t, fixed, q.FetchedAt)
		})
	}
}

func TestSynthesizeDefaults(t *testing.T) {
	s := NewSynthesizer()
	for i := 0; i < 200; i++ {
		q := s.Synthesize(Instrument{Symbol: "ZZZ"}, "")
		require.True(t, q.Price.IsPositive())
		assert.True(t, q.Price.GreaterThanOrEqual(decimal.NewFromInt(98)))
		assert.True(t, q.Price.LessThanOrEqual(decimal.NewFromInt(102)))
		assert.Equal(t, "USD", q.Currency)
		assert.Equal(t, model.SourceSynthetic, q.Source)
	}
}
