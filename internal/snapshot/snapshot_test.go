package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/propdesk/challenge-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func challenge(id string, initial, current float64) model.Challenge {
	return model.Challenge{
		ID:             id,
		InitialBalance: d(initial),
		CurrentBalance: d(current),
		Status:         model.StatusActive,
	}
}

func TestSnapshotFor_LazyDefaultsToInitialBalance(t *testing.T) {
	s := NewStore()
	c := challenge("c1", 5000, 4800)

	got := s.SnapshotFor(&c)
	assert.True(t, got.Equal(d(5000)), "got %s", got)
	assert.Equal(t, 1, s.Len())

	// Later balance changes do not move an existing baseline.
	c.CurrentBalance = d(4000)
	c.InitialBalance = d(9999)
	assert.True(t, s.SnapshotFor(&c).Equal(d(5000)))
}

func TestGet_DoesNotInitialize(t *testing.T) {
	s := NewStore()

	_, ok := s.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestResetAll_CapturesCurrentEquity(t *testing.T) {
	s := NewStore()
	a := challenge("a", 5000, 5000)
	b := challenge("b", 5000, 5000)
	s.SnapshotFor(&a)
	s.SnapshotFor(&b)

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.Local)
	n := s.ResetAll([]model.Challenge{
		challenge("a", 5000, 4900),
		challenge("b", 5000, 5200),
	}, at)

	assert.Equal(t, 2, n)
	va, _ := s.Get("a")
	vb, _ := s.Get("b")
	assert.True(t, va.Equal(d(4900)))
	assert.True(t, vb.Equal(d(5200)))
	assert.Equal(t, at, s.LastReset())
}

func TestResetAll_TwiceIsHarmless(t *testing.T) {
	s := NewStore()
	active := []model.Challenge{challenge("a", 5000, 4900)}
	now := time.Now()

	s.ResetAll(active, now)
	s.ResetAll(active, now)

	v, _ := s.Get("a")
	assert.True(t, v.Equal(d(4900)))
	assert.Equal(t, 1, s.Len())
}

func TestResetAll_SkipsTerminal(t *testing.T) {
	s := NewStore()
	failed := challenge("f", 5000, 4000)
	failed.Status = model.StatusFailed

	n := s.ResetAll([]model.Challenge{failed}, time.Now())

	assert.Equal(t, 0, n)
	_, ok := s.Get("f")
	assert.False(t, ok)
}

func TestForget(t *testing.T) {
	s := NewStore()
	s.Set("x", d(100))
	s.Forget("x")

	_, ok := s.Get("x")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	c := challenge("c", 1000, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SnapshotFor(&c)
		}()
		go func() {
			defer wg.Done()
			s.ResetAll([]model.Challenge{c}, time.Now())
		}()
	}
	wg.Wait()

	v, ok := s.Get("c")
	assert.True(t, ok)
	assert.True(t, v.Equal(d(1000)))
}
