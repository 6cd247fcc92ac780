package marketdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propdesk/challenge-engine/internal/model"
)

// fakeSource serves incrementing prices, or fails when fail is set.
type fakeSource struct {
	name        string
	family      Family
	instruments []Instrument
	delay       time.Duration
	fail        atomic.Bool
	calls       atomic.Int64
	price       atomic.Int64
}

func newFakeSource(family Family, symbols ...string) *fakeSource {
	s := &fakeSource{name: "fake-" + string(family), family: family}
	for _, sym := range symbols {
		s.instruments = append(s.instruments, Instrument{
			Symbol: sym, Currency: "USD", BasePrice: decimal.NewFromInt(50),
		})
	}
	s.price.Store(100)
	return s
}

func (s *fakeSource) Name() string              { return s.name }
func (s *fakeSource) Family() Family            { return s.family }
func (s *fakeSource) Instruments() []Instrument { return s.instruments }

func (s *fakeSource) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransientFetch, ctx.Err())
		}
	}
	if s.fail.Load() {
		return nil, fmt.Errorf("%w: upstream down", ErrTransientFetch)
	}
	return &model.Quote{
		Symbol:   symbol,
		Price:    decimal.NewFromInt(s.price.Load()),
		Currency: "USD",
	}, nil
}

func newTestCache(t *testing.T, feeds ...Feed) *Cache {
	t.Helper()
	c, err := NewCache(feeds, nil)
	require.NoError(t, err)
	return c
}

func TestCacheFirstTouchFetchesSynchronously(t *testing.T) {
	src := newFakeSource(FamilyCrypto, "BTC-USD")
	c := newTestCache(t, Feed{Source: src, Interval: time.Hour, Timeout: time.Second})

	_, ok := c.Entry("BTC-USD")
	require.False(t, ok)

	q := c.Get(context.Background(), "BTC-USD")
	assert.Equal(t, "100", q.Price.String())
	assert.Equal(t, model.SourceReal, q.Source)
	assert.Equal(t, "crypto", q.Family)

	// Served from cache afterwards.
	src.price.Store(200)
	q = c.Get(context.Background(), "BTC-USD")
	assert.Equal(t, "100", q.Price.String())
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestCacheFailingSourceServesSynthetic(t *testing.T) {
	src := newFakeSource(FamilyExchange, "IAM")
	src.fail.Store(true)
	c := newTestCache(t, Feed{Source: src, Interval: time.Hour, Timeout: time.Second})

	q := c.Get(context.Background(), "IAM")
	assert.True(t, q.IsSynthetic())
	assert.True(t, q.Price.IsPositive())
	assert.Equal(t, "IAM", q.Symbol)
	assert.Equal(t, "exchange", q.Family)

	e, ok := c.Entry("IAM")
	require.True(t, ok)
	assert.True(t, e.Quote.IsSynthetic())
}

func TestCacheRefreshReplacesEntry(t *testing.T) {
	src := newFakeSource(FamilyCrypto, "BTC-USD")
	c := newTestCache(t, Feed{Source: src, Interval: time.Hour, Timeout: time.Second})

	first := c.Get(context.Background(), "BTC-USD")
	src.price.Store(250)
	second := c.Refresh(context.Background(), "BTC-USD")

	assert.Equal(t, "100", first.Price.String())
	assert.Equal(t, "250", second.Price.String())
	assert.Equal(t, "250", c.Get(context.Background(), "BTC-USD").Price.String())

	// A failed refresh replaces the real quote with a synthetic one.
	src.fail.Store(true)
	third := c.Refresh(context.Background(), "BTC-USD")
	assert.True(t, third.IsSynthetic())
	assert.True(t, c.Get(context.Background(), "BTC-USD").IsSynthetic())
}

func TestCacheUnknownSymbol(t *testing.T) {
	src := newFakeSource(FamilyCrypto, "BTC-USD")
	c := newTestCache(t, Feed{Source: src, Interval: time.Hour, Timeout: time.Second})

	assert.False(t, c.Supports("NOPE"))
	q := c.Get(context.Background(), "NOPE")
	assert.True(t, q.IsSynthetic())
	assert.Equal(t, "NOPE", q.Symbol)

	_, ok := c.Entry("NOPE")
	assert.False(t, ok)
	assert.Zero(t, src.calls.Load())
}

func TestCacheFetchTimeout(t *testing.T) {
	src := newFakeSource(FamilyCrypto, "BTC-USD")
	src.delay = time.Second
	c := newTestCache(t, Feed{Source: src, Interval: time.Hour, Timeout: 20 * time.Millisecond})

	start := time.Now()
	q := c.Get(context.Background(), "BTC-USD")
	assert.True(t, q.IsSynthetic())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNewCacheRejectsDuplicateSymbol(t *testing.T) {
	a := newFakeSource(FamilyCrypto, "BTC-USD")
	b := newFakeSource(FamilyExchange, "BTC-USD")
	_, err := NewCache([]Feed{
		{Source: a, Interval: time.Minute},
		{Source: b, Interval: time.Minute},
	}, nil)
	assert.ErrorIs(t, err, ErrDuplicateSymbol)
}

func TestNewCacheRejectsZeroInterval(t *testing.T) {
	_, err := NewCache([]Feed{{Source: newFakeSource(FamilyCrypto, "BTC-USD")}}, nil)
	assert.Error(t, err)
}

func TestCacheRefreshFamily(t *testing.T) {
	crypto := newFakeSource(FamilyCrypto, "BTC-USD", "ETH-USD")
	exchange := newFakeSource(FamilyExchange, "IAM", "ATW", "LHM")
	exchange.fail.Store(true)
	c := newTestCache(t,
		Feed{Source: crypto, Interval: time.Hour, Timeout: time.Second},
		Feed{Source: exchange, Interval: time.Hour, Timeout: time.Second},
	)

	assert.Equal(t, 0, c.RefreshFamily(context.Background(), FamilyCrypto))
	assert.Equal(t, 3, c.RefreshFamily(context.Background(), FamilyExchange))

	assert.Equal(t, []string{"IAM", "ATW", "LHM"}, c.Symbols(FamilyExchange))
	quotes := c.Quotes(context.Background(), FamilyExchange)
	require.Len(t, quotes, 3)
	for _, q := range quotes {
		assert.True(t, q.IsSynthetic())
	}
}

func TestCacheLoopsTickPerFamily(t *testing.T) {
	fast := newFakeSource(FamilyCrypto, "BTC-USD")
	slow := newFakeSource(FamilyExchange, "IAM")
	slow.delay = 300 * time.Millisecond
	c := newTestCache(t,
		Feed{Source: fast, Interval: 10 * time.Millisecond, Timeout: time.Second},
		Feed{Source: slow, Interval: time.Hour, Timeout: time.Second},
	)

	var mu sync.Mutex
	seen := map[string]int{}
	c.OnRefresh(func(q model.Quote) {
		mu.Lock()
		seen[q.Symbol]++
		mu.Unlock()
	})

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	// The slow exchange fetch does not hold back the crypto loop.
	assert.Eventually(t, func() bool { return fast.calls.Load() >= 3 }, 250*time.Millisecond, 5*time.Millisecond)

	c.Stop()
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, seen["BTC-USD"], 3)
	// Stop waited for the in-flight exchange cycle.
	assert.Equal(t, 1, seen["IAM"])
}

func TestCacheStopsOnContextCancel(t *testing.T) {
	src := newFakeSource(FamilyCrypto, "BTC-USD")
	c := newTestCache(t, Feed{Source: src, Interval: 5 * time.Millisecond, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	assert.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancel")
	}

	calls := src.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, src.calls.Load())
}

func TestCacheConcurrentAccess(t *testing.T) {
	src := newFakeSource(FamilyCrypto, "BTC-USD", "ETH-USD")
	c := newTestCache(t, Feed{Source: src, Interval: time.Hour, Timeout: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			src.price.Store(int64(100 + i))
			c.Refresh(context.Background(), "BTC-USD")
		}(i)
		go func() {
			defer wg.Done()
			q := c.Get(context.Background(), "BTC-USD")
			assert.True(t, q.Price.IsPositive())
			c.Get(context.Background(), "ETH-USD")
		}()
	}
	wg.Wait()

	e, ok := c.Entry("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", e.Quote.Symbol)
}
