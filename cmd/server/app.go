package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/propdesk/challenge-engine/internal/config"
	"github.com/propdesk/challenge-engine/internal/marketdata"
	"github.com/propdesk/challenge-engine/internal/metrics"
	"github.com/propdesk/challenge-engine/internal/monitor"
	"github.com/propdesk/challenge-engine/internal/rules"
	"github.com/propdesk/challenge-engine/internal/snapshot"
	"github.com/propdesk/challenge-engine/internal/store"
	"github.com/propdesk/challenge-engine/internal/trade"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	store     store.Store
	quotes    *marketdata.Cache
	snapshots *snapshot.Store
	monitor   *monitor.Monitor
	cleanup   []func()
}

func setupLogger(cfg *config.Config) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// newApp builds the store, quote cache and monitor from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, snapshots: snapshot.NewStore()}

	st, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = st

	a.quotes, err = marketdata.NewCache(buildFeeds(cfg), nil)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("quote cache: %w", err)
	}

	ev, err := rules.NewEvaluator(cfg.Thresholds())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("rules: %w", err)
	}

	a.monitor = monitor.New(a.store, a.snapshots, ev,
		monitor.WithCheckInterval(cfg.Monitor.CheckInterval),
		monitor.WithSnapshotSpec(cfg.Monitor.SnapshotCron),
		monitor.WithLocation(cfg.Location()),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	var st store.Store

	switch {
	case a.cfg.Store.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, a.cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case a.cfg.Store.SQLitePath != "":
		lite, err := store.NewSQLiteStore(a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { lite.Close() })
		st = lite

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if redisURL := a.cfg.Store.RedisURL; redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, a.cfg.Store.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", a.cfg.Store.CacheTTL.String())
	}
	return st, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

func buildFeeds(cfg *config.Config) []marketdata.Feed {
	var feeds []marketdata.Feed

	if fc := cfg.Feeds.Crypto; !fc.Disabled {
		instruments := selectInstruments(marketdata.DefaultCryptoInstruments(), fc.Symbols)
		feeds = append(feeds, marketdata.Feed{
			Source:   marketdata.NewCryptoSource(fc.BaseURL, fc.Timeout, instruments),
			Interval: fc.Interval,
			Timeout:  fc.Timeout,
		})
	}
	if fc := cfg.Feeds.Exchange; !fc.Disabled {
		instruments := selectInstruments(marketdata.DefaultExchangeInstruments(), fc.Symbols)
		feeds = append(feeds, marketdata.Feed{
			Source:   marketdata.NewExchangeSource(fc.BaseURL, fc.Timeout, instruments),
			Interval: fc.Interval,
			Timeout:  fc.Timeout,
		})
	}
	return feeds
}

// selectInstruments narrows defaults to symbols. Symbols without a built-in
// entry fall back to the synthesizer's default parameters.
func selectInstruments(defaults []marketdata.Instrument, symbols []string) []marketdata.Instrument {
	if len(symbols) == 0 {
		return defaults
	}
	out := make([]marketdata.Instrument, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		in := marketdata.Instrument{Symbol: sym}
		for _, d := range defaults {
			if d.Symbol == sym {
				in = d
				break
			}
		}
		out = append(out, in)
	}
	return out
}

// newRouter mounts the API, metrics and health endpoints.
func newRouter(svc *trade.Service, hub *trade.WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"challenge-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for transitions, trades and quote refreshes.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})
	return r
}
