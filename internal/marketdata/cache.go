package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/propdesk/challenge-engine/internal/metrics"
	"github.com/propdesk/challenge-engine/internal/model"
)

// Feed binds a Source to its refresh schedule.
type Feed struct {
	Source   Source
	Interval time.Duration // time between refresh cycles
	Timeout  time.Duration // bound on each upstream fetch

	// Concurrency caps parallel fetches within one cycle (default 2).
	Concurrency int
}

type feed struct {
	Feed
	instruments map[string]Instrument
}

// Cache serves the last stored quote per symbol and refreshes each feed
// family on its own schedule. Get never returns an error: failed fetches
// are replaced by synthetic quotes.
type Cache struct {
	feeds    []*feed
	bySymbol map[string]*feed
	synth    *Synthesizer
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]model.CacheEntry

	// flights collapses concurrent fetches of one symbol so each symbol has
	// a single writer at a time.
	flights singleflight.Group

	listenMu  sync.RWMutex
	listeners []func(model.Quote)

	runMu   sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewCache builds a cache over the given feeds. Each symbol must belong to
// exactly one feed.
func NewCache(feeds []Feed, synth *Synthesizer) (*Cache, error) {
	if synth == nil {
		synth = NewSynthesizer()
	}
	c := &Cache{
		bySymbol: make(map[string]*feed),
		synth:    synth,
		now:      time.Now,
		entries:  make(map[string]model.CacheEntry),
		stop:     make(chan struct{}),
	}

	for _, f := range feeds {
		if f.Source == nil {
			return nil, fmt.Errorf("marketdata: feed without source")
		}
		if f.Interval <= 0 {
			return nil, fmt.Errorf("marketdata: %s interval must be positive", f.Source.Family())
		}
		if f.Timeout <= 0 {
			f.Timeout = 15 * time.Second
		}
		if f.Concurrency <= 0 {
			f.Concurrency = 2
		}

		fd := &feed{Feed: f, instruments: make(map[string]Instrument)}
		for _, in := range f.Source.Instruments() {
			if _, dup := c.bySymbol[in.Symbol]; dup {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateSymbol, in.Symbol)
			}
			fd.instruments[in.Symbol] = in
			c.bySymbol[in.Symbol] = fd
		}
		c.feeds = append(c.feeds, fd)
	}
	return c, nil
}

// OnRefresh registers fn to be called after every cache write.
func (c *Cache) OnRefresh(fn func(model.Quote)) {
	c.listenMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenMu.Unlock()
}

// Supports reports whether some configured feed serves symbol.
func (c *Cache) Supports(symbol string) bool {
	_, ok := c.bySymbol[symbol]
	return ok
}

// Symbols returns the configured symbols of a family in configuration order.
func (c *Cache) Symbols(family Family) []string {
	var out []string
	for _, f := range c.feeds {
		if f.Source.Family() != family {
			continue
		}
		for _, in := range f.Source.Instruments() {
			out = append(out, in.Symbol)
		}
	}
	return out
}

// Families lists the configured feed families.
func (c *Cache) Families() []Family {
	out := make([]Family, 0, len(c.feeds))
	for _, f := range c.feeds {
		out = append(out, f.Source.Family())
	}
	return out
}

// Get returns the cached quote for symbol. Only the first access to a
// symbol fetches (synchronously); later calls never touch the network.
// Unknown symbols get an uncached synthetic quote.
func (c *Cache) Get(ctx context.Context, symbol string) model.Quote {
	if e, ok := c.Entry(symbol); ok {
		metrics.QuoteAge.WithLabelValues(e.Quote.Family).Observe(e.Age(c.now()).Seconds())
		return e.Quote
	}

	f, ok := c.bySymbol[symbol]
	if !ok {
		return c.synth.Synthesize(Instrument{Symbol: symbol}, "")
	}

	v, _, _ := c.flights.Do(symbol, func() (any, error) {
		// A refresh may have landed while we waited for the flight.
		if e, ok := c.Entry(symbol); ok {
			return e.Quote, nil
		}
		return c.fetchAndStore(ctx, f, symbol), nil
	})
	return v.(model.Quote)
}

// Entry returns the stored entry for symbol, if any.
func (c *Cache) Entry(symbol string) (model.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	return e, ok
}

// Quotes returns the quotes of every symbol in a family.
func (c *Cache) Quotes(ctx context.Context, family Family) []model.Quote {
	symbols := c.Symbols(family)
	out := make([]model.Quote, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, c.Get(ctx, s))
	}
	return out
}

// Refresh fetches symbol and replaces its entry, synthesizing on failure.
// Unknown symbols are ignored and return a synthetic quote.
func (c *Cache) Refresh(ctx context.Context, symbol string) model.Quote {
	f, ok := c.bySymbol[symbol]
	if !ok {
		return c.synth.Synthesize(Instrument{Symbol: symbol}, "")
	}
	v, _, _ := c.flights.Do(symbol, func() (any, error) {
		return c.fetchAndStore(ctx, f, symbol), nil
	})
	return v.(model.Quote)
}

// RefreshFamily refreshes every symbol of a family and returns how many
// ended up synthetic.
func (c *Cache) RefreshFamily(ctx context.Context, family Family) int {
	synthetic := 0
	for _, f := range c.feeds {
		if f.Source.Family() == family {
			synthetic += c.refreshFeed(ctx, f)
		}
	}
	return synthetic
}

func (c *Cache) refreshFeed(ctx context.Context, f *feed) int {
	var mu sync.Mutex
	synthetic := 0

	g := new(errgroup.Group)
	g.SetLimit(f.Concurrency)
	for _, in := range f.Source.Instruments() {
		symbol := in.Symbol
		g.Go(func() error {
			q := c.Refresh(ctx, symbol)
			if q.IsSynthetic() {
				mu.Lock()
				synthetic++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("quote cache refreshed",
		"family", f.Source.Family(),
		"source", f.Source.Name(),
		"symbols", len(f.instruments),
		"synthetic", synthetic,
	)
	return synthetic
}

// fetchAndStore performs one bounded upstream fetch and writes the result.
func (c *Cache) fetchAndStore(ctx context.Context, f *feed, symbol string) model.Quote {
	family := f.Source.Family()

	fctx, cancel := context.WithTimeout(ctx, f.Timeout)
	start := time.Now()
	q, err := f.Source.FetchQuote(fctx, symbol)
	cancel()
	metrics.FetchDuration.WithLabelValues(string(family)).Observe(time.Since(start).Seconds())

	var quote model.Quote
	if err != nil || q == nil {
		slog.Warn("quote fetch failed, serving synthetic",
			"symbol", symbol,
			"family", family,
			"source", f.Source.Name(),
			"err", err,
		)
		quote = c.synth.Synthesize(f.instruments[symbol], family)
	} else {
		quote = *q
		quote.Family = string(family)
		quote.Source = model.SourceReal
		if quote.FetchedAt.IsZero() {
			quote.FetchedAt = c.now().UTC()
		}
	}

	c.store(quote)
	return quote
}

// store replaces the whole entry; readers see the old or the new quote.
func (c *Cache) store(q model.Quote) {
	c.mu.Lock()
	c.entries[q.Symbol] = model.CacheEntry{Quote: q, StoredAt: c.now()}
	c.mu.Unlock()

	metrics.QuoteRefreshes.WithLabelValues(q.Family, q.Source).Inc()

	c.listenMu.RLock()
	listeners := c.listeners
	c.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(q)
	}
}

// Start launches one refresh loop per feed. Each loop refreshes once
// immediately, then on its own ticker. Loops end when ctx is cancelled or
// Stop is called.
func (c *Cache) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	for _, f := range c.feeds {
		c.wg.Add(1)
		go c.run(ctx, f)
	}
	slog.Info("quote cache started", "feeds", len(c.feeds))
	return nil
}

// Stop ends the refresh loops and waits for in-flight refreshes to finish.
// Safe to call more than once.
func (c *Cache) Stop() {
	c.runMu.Lock()
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.runMu.Unlock()

	c.wg.Wait()
	slog.Info("quote cache stopped")
}

func (c *Cache) run(ctx context.Context, f *feed) {
	defer c.wg.Done()

	// Fetches outlive the stop signal so an in-flight cycle completes;
	// each is still bounded by the feed timeout.
	fetchCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	if !c.stopping(ctx) {
		c.refreshFeed(fetchCtx, f)
	}
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.stopping(ctx) {
				return
			}
			c.refreshFeed(fetchCtx, f)
		}
	}
}

func (c *Cache) stopping(ctx context.Context) bool {
	select {
	case <-c.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
