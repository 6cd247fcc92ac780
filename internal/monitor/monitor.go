// Package monitor runs the rule evaluator over active challenges, both on a
// fixed interval and on demand, and persists the resulting transitions.
//
// A challenge moves at most once, from active to passed or failed. Checks of
// the same challenge are serialized, and the store refuses to update a row
// that is no longer active, so a terminal challenge is never re-stamped.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/propdesk/challenge-engine/internal/metrics"
	"github.com/propdesk/challenge-engine/internal/model"
	"github.com/propdesk/challenge-engine/internal/rules"
	"github.com/propdesk/challenge-engine/internal/snapshot"
	"github.com/propdesk/challenge-engine/internal/store"
)

var (
	// ErrNotFound is returned by CheckNow for an unknown challenge.
	ErrNotFound = errors.New("monitor: challenge not found")

	// ErrNotActive is returned with the unchanged challenge when it is
	// already passed or failed.
	ErrNotActive = errors.New("monitor: challenge is not active")

	// ErrInvalidStatus is returned by ForceStatus for anything but passed or failed.
	ErrInvalidStatus = errors.New("monitor: status must be passed or failed")

	// ErrCheckRunning is returned when a periodic check is already in progress.
	ErrCheckRunning = errors.New("monitor: periodic check already running")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("monitor: already started")
)

// Check triggers, used as metric labels.
const (
	TriggerPeriodic = "periodic"
	TriggerOnDemand = "on_demand"
	TriggerManual   = "manual"
)

// ReasonManual tags transitions applied through ForceStatus.
const ReasonManual = "manual"

// Transition describes a persisted move out of the active state.
type Transition struct {
	Challenge model.Challenge `json:"challenge"`
	Verdict   rules.Verdict   `json:"verdict"`
	Trigger   string          `json:"trigger"`
}

// Summary reports the outcome of one periodic pass.
type Summary struct {
	Checked        int           `json:"checked"`
	Passed         int           `json:"passed"`
	Failed         int           `json:"failed"`
	PersistErrors  int           `json:"persist_errors"` // includes load failures
	AlreadySettled int           `json:"already_settled"`
	Duration       time.Duration `json:"duration"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used for end dates and resets.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithCheckInterval sets the periodic check interval (default 30s).
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithSnapshotSpec sets the cron spec, with seconds, of the daily reset.
func WithSnapshotSpec(spec string) Option {
	return func(m *Monitor) { m.snapshotSpec = spec }
}

// WithLocation sets the timezone the reset schedule is evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(m *Monitor) { m.loc = loc }
}

// Monitor evaluates challenges and applies their transitions.
type Monitor struct {
	store     store.Store
	snapshots *snapshot.Store
	evaluator *rules.Evaluator

	now          func() time.Time
	interval     time.Duration
	snapshotSpec string
	loc          *time.Location

	periodic sync.Mutex // held for the length of one periodic pass
	locks    keyedMutex

	listenMu  sync.RWMutex
	listeners []func(Transition)

	runMu sync.Mutex
	cron  *cron.Cron
}

// New creates a Monitor. Nothing runs until Start.
func New(st store.Store, snapshots *snapshot.Store, evaluator *rules.Evaluator, opts ...Option) *Monitor {
	m := &Monitor{
		store:        st,
		snapshots:    snapshots,
		evaluator:    evaluator,
		now:          time.Now,
		interval:     30 * time.Second,
		snapshotSpec: "0 0 0 * * *",
		loc:          time.Local,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers fn to be called after each persisted transition.
func (m *Monitor) OnTransition(fn func(Transition)) {
	m.listenMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenMu.Unlock()
}

// CheckNow evaluates one challenge synchronously. It returns ErrNotFound for
// an unknown id, and the unchanged challenge with ErrNotActive when the
// challenge is already terminal. A persistence failure returns the
// challenge as it was before the check.
func (m *Monitor) CheckNow(ctx context.Context, id string) (*model.Challenge, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return c, ErrNotActive
	}
	return m.checkLocked(ctx, c)
}

// Apply runs fn on an active challenge while holding its check lock, then
// evaluates the challenge as CheckNow does. fn is not called for a missing
// or terminal challenge, so a concurrent check can never settle the
// challenge between the status test and fn's writes.
func (m *Monitor) Apply(ctx context.Context, id string, fn func(c *model.Challenge) error) (*model.Challenge, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return c, ErrNotActive
	}
	if err := fn(c); err != nil {
		return nil, err
	}

	// fn may have moved the balance.
	c, err = m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.checkLocked(ctx, c)
}

// checkLocked evaluates c on demand. The caller holds the challenge lock.
func (m *Monitor) checkLocked(ctx context.Context, c *model.Challenge) (*model.Challenge, error) {
	metrics.ChecksTotal.WithLabelValues(TriggerOnDemand).Inc()
	_, err := m.evaluate(ctx, c, TriggerOnDemand)
	if errors.Is(err, ErrNotActive) {
		if fresh, gerr := store.GetFresh(ctx, m.store, c.ID); gerr == nil {
			return fresh, ErrNotActive
		}
	}
	return c, err
}

// load reads rule inputs from the store of record, never from a cache.
func (m *Monitor) load(ctx context.Context, id string) (*model.Challenge, error) {
	c, err := store.GetFresh(ctx, m.store, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load challenge %s: %w", id, err)
	}
	return c, nil
}

// RunPeriodicCheck evaluates every active challenge once. Persist failures
// are logged, counted in the summary and joined into the returned error;
// the affected challenges are retried on the next pass. Once the active set
// is loaded the pass runs to completion even if ctx is cancelled.
func (m *Monitor) RunPeriodicCheck(ctx context.Context) (Summary, error) {
	if !m.periodic.TryLock() {
		return Summary{}, ErrCheckRunning
	}
	defer m.periodic.Unlock()

	start := time.Now()
	var sum Summary

	active, err := m.store.FindActiveChallenges(ctx)
	if err != nil {
		return sum, fmt.Errorf("find active challenges: %w", err)
	}
	metrics.ActiveChallenges.Set(float64(len(active)))

	passCtx := context.WithoutCancel(ctx)
	var errs []error
	for i := range active {
		v, err := m.checkListed(passCtx, active[i].ID)

		sum.Checked++
		switch {
		case errors.Is(err, ErrNotActive), errors.Is(err, ErrNotFound):
			sum.AlreadySettled++
		case err != nil:
			sum.PersistErrors++
			errs = append(errs, err)
		case v.Outcome == rules.OutcomePass:
			sum.Passed++
		case v.Outcome == rules.OutcomeFail:
			sum.Failed++
		}
	}

	sum.Duration = time.Since(start)
	metrics.CheckDuration.Observe(sum.Duration.Seconds())
	slog.Info("periodic check complete",
		"checked", sum.Checked,
		"passed", sum.Passed,
		"failed", sum.Failed,
		"persist_errors", sum.PersistErrors,
		"duration_ms", sum.Duration.Milliseconds(),
	)
	return sum, errors.Join(errs...)
}

// checkListed re-reads a challenge from the active listing under its lock,
// so a balance change or settlement since the listing is not missed.
func (m *Monitor) checkListed(ctx context.Context, id string) (rules.Verdict, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.load(ctx, id)
	if err != nil {
		return rules.Verdict{}, err
	}
	if c.IsTerminal() {
		return rules.Verdict{}, fmt.Errorf("%w: %s", ErrNotActive, id)
	}

	metrics.ChecksTotal.WithLabelValues(TriggerPeriodic).Inc()
	return m.evaluate(ctx, c, TriggerPeriodic)
}

// evaluate runs the rules against c and persists a transition. The caller
// holds the challenge lock. On success c is updated in place.
func (m *Monitor) evaluate(ctx context.Context, c *model.Challenge, trigger string) (rules.Verdict, error) {
	baseline := m.snapshots.SnapshotFor(c)
	v := m.evaluator.Evaluate(c.CurrentBalance, c.InitialBalance, baseline)
	if !v.IsTransition() {
		return v, nil
	}

	status := model.StatusFailed
	if v.Outcome == rules.OutcomePass {
		status = model.StatusPassed
	}
	return v, m.persist(ctx, c, status, v, trigger)
}

// persist writes the terminal status and end date, then releases the
// challenge's in-memory state and notifies listeners. Nothing in memory
// changes when the write fails.
func (m *Monitor) persist(ctx context.Context, c *model.Challenge, status string, v rules.Verdict, trigger string) error {
	end := m.now().UTC()
	err := m.store.UpdateChallenge(ctx, c.ID, status, end)
	if errors.Is(err, store.ErrNotActive) {
		// Settled elsewhere, e.g. by another process sharing the store.
		return fmt.Errorf("%w: %s", ErrNotActive, c.ID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	if err != nil {
		metrics.PersistFailures.Inc()
		slog.Error("persist transition failed, will retry",
			"id", c.ID,
			"status", status,
			"reason", v.Reason,
			"trigger", trigger,
			"err", err,
		)
		return fmt.Errorf("persist %s for %s: %w", status, c.ID, err)
	}

	c.Status = status
	c.EndDate = &end
	m.snapshots.Forget(c.ID)
	metrics.TransitionsTotal.WithLabelValues(v.Outcome, v.Reason).Inc()

	attrs := []any{
		"id", c.ID,
		"user_id", c.UserID,
		"reason", v.Reason,
		"pct", v.Pct.String(),
		"threshold", v.Threshold.String(),
		"balance", c.CurrentBalance.String(),
		"trigger", trigger,
	}
	if status == model.StatusFailed {
		slog.Warn("challenge failed", attrs...)
	} else {
		slog.Info("challenge passed", attrs...)
	}

	m.notify(Transition{Challenge: *c, Verdict: v, Trigger: trigger})
	return nil
}

func (m *Monitor) notify(t Transition) {
	m.listenMu.RLock()
	listeners := m.listeners
	m.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
}

// ForceStatus settles an active challenge by hand. Only passed and failed
// are accepted; a terminal challenge returns ErrNotActive.
func (m *Monitor) ForceStatus(ctx context.Context, id, status string) (*model.Challenge, error) {
	if status != model.StatusPassed && status != model.StatusFailed {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return c, ErrNotActive
	}

	outcome := rules.OutcomeFail
	if status == model.StatusPassed {
		outcome = rules.OutcomePass
	}
	v := rules.Verdict{Outcome: outcome, Reason: ReasonManual}
	if err := m.persist(ctx, c, status, v, TriggerManual); err != nil {
		return c, err
	}
	return c, nil
}

// ResetSnapshots captures the current balance of every active challenge as
// its new period baseline.
func (m *Monitor) ResetSnapshots(ctx context.Context) (int, error) {
	active, err := m.store.FindActiveChallenges(ctx)
	if err != nil {
		slog.Error("snapshot reset failed", "err", err)
		return 0, fmt.Errorf("find active challenges: %w", err)
	}
	n := m.snapshots.ResetAll(active, m.now())
	metrics.SnapshotResets.Inc()
	slog.Info("equity snapshots reset", "challenges", n)
	return n, nil
}

// Start schedules the periodic check and the daily snapshot reset.
// Overlapping runs of the same job are skipped. Cancelling ctx does not cut
// a running job short; Stop ends scheduling and waits for it.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cron != nil {
		return ErrAlreadyStarted
	}

	logger := cronLogger{l: slog.Default().With("component", "monitor")}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(m.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		_, _ = m.RunPeriodicCheck(jobCtx)
	}); err != nil {
		return fmt.Errorf("register periodic check: %w", err)
	}
	if _, err := c.AddFunc(m.snapshotSpec, func() {
		_, _ = m.ResetSnapshots(jobCtx)
	}); err != nil {
		return fmt.Errorf("register snapshot reset: %w", err)
	}

	c.Start()
	m.cron = c
	slog.Info("monitor started", "interval", m.interval.String(), "snapshot_spec", m.snapshotSpec)
	return nil
}

// Stop stops scheduling new runs and waits for running jobs to finish, or
// for ctx to expire.
func (m *Monitor) Stop(ctx context.Context) error {
	m.runMu.Lock()
	c := m.cron
	m.runMu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		slog.Info("monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keyedMutex hands out one mutex per challenge id and frees it once no
// goroutine holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &refMutex{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]any{"err", err}, keysAndValues...)...)
}
