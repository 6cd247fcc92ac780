package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propdesk/challenge-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newChallenge(id, user string, start time.Time) *model.Challenge {
	return &model.Challenge{
		ID:             id,
		UserID:         user,
		Type:           "Starter",
		InitialBalance: d(5000),
		CurrentBalance: d(5000),
		Status:         model.StatusActive,
		StartDate:      start,
	}
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newUnreachableCache wraps a memory store with a Redis client that cannot
// connect, so every cache call fails and reads fall through to the primary.
func newUnreachableCache(t *testing.T) *CachedStore {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCachedStore(NewMemoryStore(), rdb, time.Minute)
}

func TestStores(t *testing.T) {
	impls := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLite(t) },
		"cached": func(t *testing.T) Store { return newUnreachableCache(t) },
	}

	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			t.Run("get round trip", func(t *testing.T) { testGetChallenge(t, mk(t)) })
			t.Run("not found", func(t *testing.T) { testNotFound(t, mk(t)) })
			t.Run("active filter", func(t *testing.T) { testFindActive(t, mk(t)) })
			t.Run("terminal is monotonic", func(t *testing.T) { testUpdateMonotonic(t, mk(t)) })
			t.Run("balance and trades", func(t *testing.T) { testBalanceAndTrades(t, mk(t)) })
			t.Run("list by user", func(t *testing.T) { testListByUser(t, mk(t)) })
			t.Run("list all", func(t *testing.T) { testListAll(t, mk(t)) })
		})
	}
}

func testGetChallenge(t *testing.T, st Store) {
	ctx := context.Background()
	start := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	c := newChallenge("c1", "u1", start)
	c.InitialBalance = d(5000.25)
	c.CurrentBalance = d(5123.456)
	require.NoError(t, st.CreateChallenge(ctx, c))

	got, err := st.GetChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "Starter", got.Type)
	assert.True(t, got.InitialBalance.Equal(d(5000.25)))
	assert.True(t, got.CurrentBalance.Equal(d(5123.456)))
	assert.Equal(t, model.StatusActive, got.Status)
	assert.True(t, got.StartDate.Equal(start))
	assert.Nil(t, got.EndDate)
}

func testNotFound(t *testing.T, st Store) {
	ctx := context.Background()

	_, err := st.GetChallenge(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound), "get: %v", err)

	err = st.UpdateChallenge(ctx, "nope", model.StatusFailed, time.Now())
	assert.True(t, errors.Is(err, ErrNotFound), "update: %v", err)

	err = st.UpdateBalance(ctx, "nope", d(1))
	assert.True(t, errors.Is(err, ErrNotFound), "balance: %v", err)
}

func testFindActive(t *testing.T, st Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.CreateChallenge(ctx, newChallenge(id, "u1", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, st.UpdateChallenge(ctx, "b", model.StatusPassed, base.Add(5*time.Hour)))

	active, err := st.FindActiveChallenges(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(active))
	for _, c := range active {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func testUpdateMonotonic(t *testing.T, st Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateChallenge(ctx, newChallenge("m", "u1", time.Now().UTC())))

	end := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdateChallenge(ctx, "m", model.StatusFailed, end))

	err := st.UpdateChallenge(ctx, "m", model.StatusPassed, end.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrNotActive), "got %v", err)

	got, err := st.GetChallenge(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.Equal(end))
}

func testBalanceAndTrades(t *testing.T, st Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateChallenge(ctx, newChallenge("t", "u1", time.Now().UTC())))

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, pnl := range []float64{100, -25.5} {
		tr := &model.Trade{
			ID:          []string{"t1", "t2"}[i],
			ChallengeID: "t",
			Symbol:      "BTC-USD",
			Side:        model.SideBuy,
			EntryPrice:  d(95000),
			ExitPrice:   d(96000),
			Quantity:    d(0.1),
			PnL:         d(pnl),
			OpenedAt:    now,
			ClosedAt:    now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, st.AppendTrade(ctx, tr))
	}
	require.NoError(t, st.UpdateBalance(ctx, "t", d(5074.5)))

	trades, err := st.ListTradesByChallenge(ctx, "t")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t1", trades[0].ID)
	assert.True(t, trades[1].PnL.Equal(d(-25.5)))
	assert.True(t, trades[0].Quantity.Equal(d(0.1)))

	got, err := st.GetChallenge(ctx, "t")
	require.NoError(t, err)
	assert.True(t, got.CurrentBalance.Equal(d(5074.5)))
}

func testListByUser(t *testing.T, st Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateChallenge(ctx, newChallenge("old", "u1", base)))
	require.NoError(t, st.CreateChallenge(ctx, newChallenge("new", "u1", base.Add(24*time.Hour))))
	require.NoError(t, st.CreateChallenge(ctx, newChallenge("other", "u2", base)))

	list, err := st.ListChallengesByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
}

func testListAll(t *testing.T, st Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateChallenge(ctx, newChallenge("a", "u1", base)))
	require.NoError(t, st.CreateChallenge(ctx, newChallenge("b", "u2", base.Add(time.Hour))))
	require.NoError(t, st.UpdateChallenge(ctx, "a", model.StatusPassed, base.Add(2*time.Hour)))

	list, err := st.ListChallenges(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, model.StatusPassed, list[1].Status)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	require.NoError(t, ms.CreateChallenge(ctx, newChallenge("c", "u", time.Now())))

	got, _ := ms.GetChallenge(ctx, "c")
	got.Status = model.StatusPassed
	got.CurrentBalance = d(1)

	again, _ := ms.GetChallenge(ctx, "c")
	assert.Equal(t, model.StatusActive, again.Status)
	assert.True(t, again.CurrentBalance.Equal(d(5000)))
}

func TestMemoryStore_FailUpdates(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	require.NoError(t, ms.CreateChallenge(ctx, newChallenge("c", "u", time.Now())))

	boom := errors.New("db down")
	ms.FailUpdates(boom)
	assert.ErrorIs(t, ms.UpdateChallenge(ctx, "c", model.StatusFailed, time.Now()), boom)

	ms.FailUpdates(nil)
	assert.NoError(t, ms.UpdateChallenge(ctx, "c", model.StatusFailed, time.Now()))
}

func TestMemoryStore_AppendTradeUnknownChallenge(t *testing.T) {
	err := NewMemoryStore().AppendTrade(context.Background(), &model.Trade{ID: "x", ChallengeID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.CreateChallenge(ctx, newChallenge("keep", "u", time.Now().UTC())))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	got, err := s2.GetChallenge(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
}

// fakeRedis serves the Get/Set/Del subset of redis.Cmdable from a map.
type fakeRedis struct {
	redis.Cmdable
	data map[string][]byte
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if b, ok := value.([]byte); ok {
		f.data[key] = b
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestCachedStore_FreshReadBypassesCache(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	rdb := &fakeRedis{data: make(map[string][]byte)}
	cs := NewCachedStore(ms, rdb, time.Minute)

	require.NoError(t, cs.CreateChallenge(ctx, newChallenge("c", "u", time.Now().UTC())))
	require.Contains(t, rdb.data, challengeKey("c"))

	// Primary moves on without the cache hearing about it.
	require.NoError(t, ms.UpdateBalance(ctx, "c", d(4200)))

	cached, err := cs.GetChallenge(ctx, "c")
	require.NoError(t, err)
	assert.True(t, cached.CurrentBalance.Equal(d(5000)), "cached read serves the stored copy")

	fresh, err := GetFresh(ctx, cs, "c")
	require.NoError(t, err)
	assert.True(t, fresh.CurrentBalance.Equal(d(4200)))

	delete(rdb.data, challengeKey("c"))
	_, err = cs.GetChallengeFresh(ctx, "c")
	require.NoError(t, err)
	assert.NotContains(t, rdb.data, challengeKey("c"), "fresh reads never fill the cache")

	_, err = GetFresh(ctx, cs, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFresh_UncachedStore(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	require.NoError(t, ms.CreateChallenge(ctx, newChallenge("c", "u", time.Now().UTC())))

	got, err := GetFresh(ctx, ms, "c")
	require.NoError(t, err)
	assert.Equal(t, "c", got.ID)
}

func TestSQLiteStore_CorruptBalanceIsAnError(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	require.NoError(t, s.CreateChallenge(ctx, newChallenge("c", "u", time.Now().UTC())))

	_, err := s.db.ExecContext(ctx, `UPDATE challenges SET current_balance = 'n/a' WHERE id = 'c'`)
	require.NoError(t, err)

	_, err = s.GetChallenge(ctx, "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "current_balance")

	_, err = s.FindActiveChallenges(ctx)
	assert.Error(t, err)
}

// stubRow feeds fixed column values to a scanner.
type stubRow []any

func (r stubRow) Scan(dest ...any) error {
	for i, v := range r {
		switch p := dest[i].(type) {
		case *string:
			*p = v.(string)
		case *time.Time:
			*p = v.(time.Time)
		case **time.Time:
			*p = nil
		}
	}
	return nil
}

func TestScanChallenge_RejectsCorruptNumeric(t *testing.T) {
	now := time.Now().UTC()

	c, err := scanChallenge(stubRow{"c", "u", "Starter", "5000", "4999.5", model.StatusActive, now, nil})
	require.NoError(t, err)
	assert.True(t, c.CurrentBalance.Equal(d(4999.5)))

	_, err = scanChallenge(stubRow{"c", "u", "Starter", "5000", "", model.StatusActive, now, nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "current_balance")
}
