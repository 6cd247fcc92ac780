// Package trade provides the HTTP handlers for challenges, closed trades and
// cached quotes.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propdesk/challenge-engine/internal/marketdata"
	"github.com/propdesk/challenge-engine/internal/metrics"
	"github.com/propdesk/challenge-engine/internal/model"
	"github.com/propdesk/challenge-engine/internal/monitor"
	"github.com/propdesk/challenge-engine/internal/snapshot"
	"github.com/propdesk/challenge-engine/internal/store"
)

// DefaultInitialBalance funds a challenge created without an explicit balance.
var DefaultInitialBalance = decimal.NewFromInt(5000)

// NukeSymbol tags the synthetic losing trade recorded by the demo endpoint.
const NukeSymbol = "DEMO_NUKE"

var nukePct = decimal.NewFromInt(6)

// LeaderboardSize caps the number of ranked traders.
const LeaderboardSize = 10

// ChallengeTypes are the accepted plan names.
var ChallengeTypes = []string{"Starter", "Pro", "Elite", "Free"}

// Service handles challenge and trade operations. Uses a mutex for
// serialized balance updates (single-instance).
type Service struct {
	store     store.Store
	monitor   *monitor.Monitor
	quotes    *marketdata.Cache
	snapshots *snapshot.Store
	mu        sync.Mutex
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
	now       func() time.Time
}

// NewService creates a new trade service. Pass nil for hub if WebSocket
// broadcasting is not needed; otherwise transitions and quote refreshes
// are forwarded to it.
func NewService(st store.Store, mon *monitor.Monitor, quotes *marketdata.Cache, snaps *snapshot.Store, hub *WSHub) *Service {
	s := &Service{
		store:     st,
		monitor:   mon,
		quotes:    quotes,
		snapshots: snaps,
		wsHub:     hub,
		now:       time.Now,
	}
	if hub != nil {
		mon.OnTransition(s.broadcastTransition)
		if quotes != nil {
			quotes.OnRefresh(s.broadcastQuote)
		}
	}
	return s
}

// Routes registers the API handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/challenges", s.CreateChallenge)
	r.Get("/challenges/{challengeID}", s.GetChallenge)
	r.Get("/challenges/{challengeID}/trades", s.ListTrades)
	r.Post("/challenges/{challengeID}/check", s.CheckChallenge)
	r.Post("/challenges/{challengeID}/nuke", s.Nuke)
	r.Get("/users/{userID}/challenges", s.ListUserChallenges)
	r.Post("/trades", s.RecordTrade)
	r.Get("/leaderboard", s.Leaderboard)
	r.Get("/admin/challenges", s.ListAllChallenges)
	r.Post("/admin/challenges/{challengeID}/status", s.ForceStatus)
	r.Get("/quotes", s.ListQuotes)
	r.Get("/quotes/{symbol}", s.GetQuote)
}

// --- Request/Response types ---

// CreateChallengeRequest is the JSON body for challenge creation.
type CreateChallengeRequest struct {
	UserID         string          `json:"user_id"`
	Type           string          `json:"type"`            // Starter, Pro, Elite, Free; empty → Starter
	InitialBalance decimal.Decimal `json:"initial_balance"` // 0 → DefaultInitialBalance
}

// TradeRequest is the JSON body for POST /trades. When ChallengeID is empty
// the user's active challenge is used.
type TradeRequest struct {
	ChallengeID string           `json:"challenge_id"`
	UserID      string           `json:"user_id"`
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"` // BUY or SELL
	EntryPrice  *decimal.Decimal `json:"entry_price"`
	ExitPrice   *decimal.Decimal `json:"exit_price"`
	Quantity    decimal.Decimal  `json:"quantity"`
}

// TradeResponse is returned from POST /trades.
type TradeResponse struct {
	Trade     model.Trade       `json:"trade"`
	Challenge ChallengeResponse `json:"challenge"`
}

// ChallengeResponse is a challenge with its running P&L.
type ChallengeResponse struct {
	model.Challenge
	PnL    decimal.Decimal `json:"pnl"`
	PnLPct decimal.Decimal `json:"pnl_pct"`
}

// NukeResponse is returned from the demo loss endpoint.
type NukeResponse struct {
	OldBalance decimal.Decimal   `json:"old_balance"`
	NewBalance decimal.Decimal   `json:"new_balance"`
	LossAmount decimal.Decimal   `json:"loss_amount"`
	LossPct    decimal.Decimal   `json:"loss_pct"`
	IsFailed   bool              `json:"is_failed"`
	Challenge  ChallengeResponse `json:"challenge"`
}

// StatusRequest is the JSON body for the admin status override.
type StatusRequest struct {
	Status string `json:"status"`
}

// LeaderboardEntry ranks one trader across all of their challenges.
type LeaderboardEntry struct {
	Rank             int             `json:"rank"`
	UserID           string          `json:"user_id"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	TotalChallenges  int             `json:"total_challenges"`
	PassedChallenges int             `json:"passed_challenges"`
	WinRate          decimal.Decimal `json:"win_rate"` // percent of challenges passed
}

// LeaderboardResponse is returned from GET /leaderboard.
type LeaderboardResponse struct {
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	Timestamp   time.Time          `json:"timestamp"`
}

// ChallengeListResponse is returned from GET /admin/challenges.
type ChallengeListResponse struct {
	Challenges []ChallengeResponse `json:"challenges"`
	Count      int                 `json:"count"`
}

// QuoteResponse is a cached quote with its age at read time.
type QuoteResponse struct {
	model.Quote
	AgeSeconds float64 `json:"age_seconds"`
}

func newChallengeResponse(c *model.Challenge) ChallengeResponse {
	resp := ChallengeResponse{Challenge: *c, PnL: c.PnL(), PnLPct: decimal.Zero}
	if c.InitialBalance.IsPositive() {
		resp.PnLPct = resp.PnL.Div(c.InitialBalance).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return resp
}

// --- HTTP Handlers ---

// CreateChallenge handles POST /api/v1/challenges
func (s *Service) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req CreateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	typ := req.Type
	if typ == "" {
		typ = ChallengeTypes[0]
	}
	if !validType(typ) {
		writeError(w, "type must be one of "+strings.Join(ChallengeTypes, ", "), http.StatusBadRequest)
		return
	}
	balance := req.InitialBalance
	if balance.IsZero() {
		balance = DefaultInitialBalance
	}
	if !balance.IsPositive() {
		writeError(w, "initial_balance must be positive", http.StatusBadRequest)
		return
	}

	c := &model.Challenge{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Type:           typ,
		InitialBalance: balance,
		CurrentBalance: balance,
		Status:         model.StatusActive,
		StartDate:      s.now().UTC(),
	}

	if err := s.store.CreateChallenge(r.Context(), c); err != nil {
		writeError(w, "failed to create challenge", http.StatusInternalServerError)
		return
	}
	s.snapshots.Set(c.ID, c.InitialBalance)

	slog.Info("challenge created",
		"id", c.ID,
		"user", c.UserID,
		"type", c.Type,
		"initial_balance", c.InitialBalance.String(),
	)

	writeJSON(w, http.StatusCreated, newChallengeResponse(c))
}

func validType(t string) bool {
	for _, ct := range ChallengeTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// GetChallenge handles GET /api/v1/challenges/{challengeID}
func (s *Service) GetChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newChallengeResponse(c))
}

// ListUserChallenges handles GET /api/v1/users/{userID}/challenges
func (s *Service) ListUserChallenges(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListChallengesByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list challenges", http.StatusInternalServerError)
		return
	}

	resp := make([]ChallengeResponse, 0, len(list))
	for i := range list {
		resp = append(resp, newChallengeResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAllChallenges handles GET /api/v1/admin/challenges
func (s *Service) ListAllChallenges(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListChallenges(r.Context())
	if err != nil {
		writeError(w, "failed to list challenges", http.StatusInternalServerError)
		return
	}

	resp := ChallengeListResponse{Challenges: make([]ChallengeResponse, 0, len(list)), Count: len(list)}
	for i := range list {
		resp.Challenges = append(resp.Challenges, newChallengeResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Leaderboard handles GET /api/v1/leaderboard
// Ranks traders by the summed pnl of all their challenges.
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListChallenges(r.Context())
	if err != nil {
		writeError(w, "failed to build leaderboard", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{
		Leaderboard: RankTraders(list, LeaderboardSize),
		Timestamp:   s.now().UTC(),
	})
}

// RankTraders groups challenges by user and returns the top n by total pnl.
// Ties rank by user id.
func RankTraders(challenges []model.Challenge, n int) []LeaderboardEntry {
	byUser := make(map[string]*LeaderboardEntry)
	for i := range challenges {
		c := &challenges[i]
		e, ok := byUser[c.UserID]
		if !ok {
			e = &LeaderboardEntry{UserID: c.UserID}
			byUser[c.UserID] = e
		}
		e.TotalPnL = e.TotalPnL.Add(c.PnL())
		e.TotalChallenges++
		if c.Status == model.StatusPassed {
			e.PassedChallenges++
		}
	}

	entries := make([]LeaderboardEntry, 0, len(byUser))
	for _, e := range byUser {
		e.WinRate = decimal.NewFromInt(int64(e.PassedChallenges)).
			Div(decimal.NewFromInt(int64(e.TotalChallenges))).
			Mul(decimal.NewFromInt(100)).Round(2)
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].TotalPnL.Cmp(entries[j].TotalPnL); c != 0 {
			return c > 0
		}
		return entries[i].UserID < entries[j].UserID
	})

	if len(entries) > n {
		entries = entries[:n]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// ListTrades handles GET /api/v1/challenges/{challengeID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "challengeID")
	ctx := r.Context()

	if _, err := s.store.GetChallenge(ctx, id); err != nil {
		writeStoreError(w, err)
		return
	}
	trades, err := s.store.ListTradesByChallenge(ctx, id)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// RecordTrade handles POST /api/v1/trades
// Records a closed trade, moves the balance by its pnl, then checks the
// challenge's rules immediately.
func (s *Service) RecordTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	req.Side = strings.ToUpper(strings.TrimSpace(req.Side))
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.EntryPrice == nil || req.ExitPrice == nil {
		writeError(w, "entry_price and exit_price are required", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	if req.ChallengeID == "" && req.UserID == "" {
		writeError(w, "challenge_id or user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Serialize balance updates.
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.resolveChallenge(ctx, req.ChallengeID, req.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	pnl := ClosedPnL(req.Side, *req.EntryPrice, *req.ExitPrice, req.Quantity)
	updated, t, err := s.settle(ctx, id, func(c *model.Challenge, now time.Time) *model.Trade {
		return &model.Trade{
			ID:          uuid.New().String(),
			ChallengeID: c.ID,
			Symbol:      req.Symbol,
			Side:        req.Side,
			EntryPrice:  *req.EntryPrice,
			ExitPrice:   *req.ExitPrice,
			Quantity:    req.Quantity,
			PnL:         pnl,
			OpenedAt:    now,
			ClosedAt:    now,
		}
	})
	if err != nil {
		writeSettleError(w, err, "failed to record trade")
		return
	}

	writeJSON(w, http.StatusCreated, TradeResponse{Trade: *t, Challenge: newChallengeResponse(updated)})
}

// ClosedPnL is (exit - entry) * quantity, negated for a SELL.
func ClosedPnL(side string, entry, exit, qty decimal.Decimal) decimal.Decimal {
	pnl := exit.Sub(entry).Mul(qty)
	if side == model.SideSell {
		pnl = pnl.Neg()
	}
	return pnl
}

// resolveChallenge picks the trade target: an explicit id, or the user's
// oldest active challenge. Whether an explicit id is still active is decided
// under the challenge's check lock in settle.
func (s *Service) resolveChallenge(ctx context.Context, id, userID string) (string, error) {
	if id != "" {
		return id, nil
	}

	list, err := s.store.ListChallengesByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	// Newest first; take the oldest active one.
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].IsTerminal() {
			return list[i].ID, nil
		}
	}
	return "", store.ErrNotFound
}

// settle appends the trade built from the locked challenge, applies its pnl
// and runs an immediate check, all under the monitor's lock for that
// challenge. The caller holds s.mu.
func (s *Service) settle(ctx context.Context, id string, build func(c *model.Challenge, now time.Time) *model.Trade) (*model.Challenge, *model.Trade, error) {
	var (
		t      *model.Trade
		before model.Challenge
	)
	updated, err := s.monitor.Apply(ctx, id, func(c *model.Challenge) error {
		t = build(c, s.now().UTC())
		if err := s.store.AppendTrade(ctx, t); err != nil {
			return err
		}
		balance := c.CurrentBalance.Add(t.PnL)
		if err := s.store.UpdateBalance(ctx, c.ID, balance); err != nil {
			return err
		}
		before = *c
		before.CurrentBalance = balance
		s.recorded(c, t, balance)
		return nil
	})

	if before.ID == "" {
		// Nothing was written.
		return nil, nil, err
	}
	if err != nil && !errors.Is(err, monitor.ErrNotActive) {
		// The next periodic pass re-evaluates it.
		slog.Warn("post-trade check failed", "challenge", id, "err", err)
	}
	if updated == nil {
		updated = &before
	}
	return updated, t, nil
}

func (s *Service) recorded(c *model.Challenge, t *model.Trade, balance decimal.Decimal) {
	metrics.TradesTotal.WithLabelValues(t.Side).Inc()

	slog.Info("trade recorded",
		"trade_id", t.ID,
		"challenge", c.ID,
		"symbol", t.Symbol,
		"side", t.Side,
		"qty", t.Quantity.String(),
		"pnl", t.PnL.String(),
		"balance", balance.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        MsgTradeRecorded,
			ChallengeID: c.ID,
			UserID:      c.UserID,
			Symbol:      t.Symbol,
			Side:        t.Side,
			PnL:         t.PnL.String(),
			Balance:     balance.String(),
		})
	}
}

// Nuke handles POST /api/v1/challenges/{challengeID}/nuke
// Demo hook: records a loss of 6% of the current balance, then checks.
func (s *Service) Nuke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	var old, loss decimal.Decimal
	updated, _, err := s.settle(ctx, chi.URLParam(r, "challengeID"), func(c *model.Challenge, now time.Time) *model.Trade {
		old = c.CurrentBalance
		loss = old.Mul(nukePct).Div(decimal.NewFromInt(100)).Round(2)
		return &model.Trade{
			ID:          uuid.New().String(),
			ChallengeID: c.ID,
			Symbol:      NukeSymbol,
			Side:        model.SideSell,
			EntryPrice:  decimal.Zero,
			ExitPrice:   decimal.Zero,
			Quantity:    decimal.Zero,
			PnL:         loss.Neg(),
			OpenedAt:    now,
			ClosedAt:    now,
		}
	})
	if err != nil {
		writeSettleError(w, err, "failed to apply loss")
		return
	}

	slog.Warn("demo loss applied", "challenge", updated.ID, "loss", loss.String(), "status", updated.Status)

	writeJSON(w, http.StatusOK, NukeResponse{
		OldBalance: old,
		NewBalance: updated.CurrentBalance,
		LossAmount: loss,
		LossPct:    nukePct,
		IsFailed:   updated.Status == model.StatusFailed,
		Challenge:  newChallengeResponse(updated),
	})
}

// CheckChallenge handles POST /api/v1/challenges/{challengeID}/check
// A terminal challenge is returned unchanged.
func (s *Service) CheckChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.monitor.CheckNow(r.Context(), chi.URLParam(r, "challengeID"))
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, "challenge not found", http.StatusNotFound)
		return
	case errors.Is(err, monitor.ErrNotActive):
	case err != nil:
		writeError(w, "check failed, will retry", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, newChallengeResponse(c))
}

// ForceStatus handles POST /api/v1/admin/challenges/{challengeID}/status
func (s *Service) ForceStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := s.monitor.ForceStatus(r.Context(), chi.URLParam(r, "challengeID"), strings.ToLower(req.Status))
	switch {
	case errors.Is(err, monitor.ErrInvalidStatus):
		writeError(w, "status must be passed or failed", http.StatusBadRequest)
		return
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, "challenge not found", http.StatusNotFound)
		return
	case errors.Is(err, monitor.ErrNotActive):
		writeError(w, "challenge is not active", http.StatusConflict)
		return
	case err != nil:
		writeError(w, "failed to update status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newChallengeResponse(c))
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	if !s.quotes.Supports(symbol) {
		writeError(w, "unknown symbol: "+symbol, http.StatusNotFound)
		return
	}

	q := s.quotes.Get(r.Context(), symbol)
	writeJSON(w, http.StatusOK, s.quoteResponse(q))
}

// ListQuotes handles GET /api/v1/quotes
// Returns every configured quote, optionally filtered by ?family=.
func (s *Service) ListQuotes(w http.ResponseWriter, r *http.Request) {
	families := s.quotes.Families()
	if f := r.URL.Query().Get("family"); f != "" {
		families = nil
		for _, known := range s.quotes.Families() {
			if string(known) == f {
				families = append(families, known)
			}
		}
		if families == nil {
			writeError(w, "unknown family: "+f, http.StatusBadRequest)
			return
		}
	}

	resp := []QuoteResponse{}
	for _, f := range families {
		for _, q := range s.quotes.Quotes(r.Context(), f) {
			resp = append(resp, s.quoteResponse(q))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) quoteResponse(q model.Quote) QuoteResponse {
	resp := QuoteResponse{Quote: q}
	if e, ok := s.quotes.Entry(q.Symbol); ok {
		resp.AgeSeconds = e.Age(s.now()).Seconds()
	}
	return resp
}

func (s *Service) broadcastTransition(t monitor.Transition) {
	s.wsHub.Broadcast(WSMessage{
		Type:        MsgChallengeTransition,
		ChallengeID: t.Challenge.ID,
		UserID:      t.Challenge.UserID,
		Status:      t.Challenge.Status,
		Reason:      t.Verdict.Reason,
		Pct:         t.Verdict.Pct.String(),
		Balance:     t.Challenge.CurrentBalance.String(),
	})
}

func (s *Service) broadcastQuote(q model.Quote) {
	s.wsHub.Broadcast(WSMessage{
		Type:   MsgQuoteRefreshed,
		Symbol: q.Symbol,
		Price:  q.Price.String(),
		Source: q.Source,
	})
}

// writeSettleError maps a failed settle to an HTTP status.
func writeSettleError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, "challenge not found", http.StatusNotFound)
	case errors.Is(err, monitor.ErrNotActive):
		writeError(w, "no active challenge found", http.StatusNotFound)
	default:
		writeError(w, msg, http.StatusInternalServerError)
	}
}

// writeStoreError maps store sentinels to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "challenge not found", http.StatusNotFound)
	case errors.Is(err, store.ErrNotActive):
		writeError(w, "no active challenge found", http.StatusNotFound)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
