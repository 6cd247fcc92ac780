package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/propdesk/challenge-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are kept
// as TEXT and timestamps as RFC 3339 TEXT so no precision is lost.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS challenges (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			type            TEXT NOT NULL,
			initial_balance TEXT NOT NULL,
			current_balance TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			start_date      TEXT NOT NULL,
			end_date        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_status ON challenges(status)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_user ON challenges(user_id)`,
		`CREATE TABLE IF NOT EXISTS trades (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			challenge_id TEXT NOT NULL REFERENCES challenges(id),
			symbol       TEXT NOT NULL,
			side         TEXT NOT NULL,
			entry_price  TEXT NOT NULL,
			exit_price   TEXT NOT NULL,
			quantity     TEXT NOT NULL,
			pnl          TEXT NOT NULL,
			opened_at    TEXT NOT NULL,
			closed_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_challenge ON trades(challenge_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteChallengeColumns = `id, user_id, type, initial_balance, current_balance, status, start_date, end_date`

func (s *SQLiteStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	var end any
	if c.EndDate != nil {
		end = formatTime(*c.EndDate)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO challenges (`+sqliteChallengeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Type,
		c.InitialBalance.String(), c.CurrentBalance.String(),
		c.Status, formatTime(c.StartDate), end,
	)
	return err
}

func (s *SQLiteStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteChallengeColumns+` FROM challenges WHERE id = ?`, id)

	c, err := scanSQLiteChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) FindActiveChallenges(ctx context.Context) ([]model.Challenge, error) {
	return s.queryChallenges(ctx,
		`SELECT `+sqliteChallengeColumns+` FROM challenges WHERE status = 'active' ORDER BY start_date`)
}

func (s *SQLiteStore) ListChallengesByUser(ctx context.Context, userID string) ([]model.Challenge, error) {
	return s.queryChallenges(ctx,
		`SELECT `+sqliteChallengeColumns+` FROM challenges WHERE user_id = ? ORDER BY start_date DESC`, userID)
}

func (s *SQLiteStore) ListChallenges(ctx context.Context) ([]model.Challenge, error) {
	return s.queryChallenges(ctx,
		`SELECT `+sqliteChallengeColumns+` FROM challenges ORDER BY start_date DESC`)
}

func (s *SQLiteStore) UpdateChallenge(ctx context.Context, id, status string, endDate time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE challenges SET status = ?, end_date = ? WHERE id = ? AND status = 'active'`,
		status, formatTime(endDate), id,
	)
	if err != nil {
		return fmt.Errorf("update challenge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM challenges WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update challenge %s: %w", id, err)
	}
	return fmt.Errorf("challenge %s is %s: %w", id, current, ErrNotActive)
}

func (s *SQLiteStore) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE challenges SET current_balance = ? WHERE id = ?`, balance.String(), id)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AppendTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, challenge_id, symbol, side, entry_price, exit_price, quantity, pnl, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChallengeID, t.Symbol, t.Side,
		t.EntryPrice.String(), t.ExitPrice.String(), t.Quantity.String(), t.PnL.String(),
		formatTime(t.OpenedAt), formatTime(t.ClosedAt),
	)
	return err
}

func (s *SQLiteStore) ListTradesByChallenge(ctx context.Context, challengeID string) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, challenge_id, symbol, side, entry_price, exit_price, quantity, pnl, opened_at, closed_at
		 FROM trades WHERE challenge_id = ? ORDER BY seq`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var entry, exit, qty, pnl, opened, closed string
		if err := rows.Scan(&t.ID, &t.ChallengeID, &t.Symbol, &t.Side,
			&entry, &exit, &qty, &pnl, &opened, &closed); err != nil {
			return nil, err
		}
		if err := parseTradeAmounts(&t, entry, exit, qty, pnl); err != nil {
			return nil, err
		}
		t.OpenedAt, _ = time.Parse(time.RFC3339Nano, opened)
		t.ClosedAt, _ = time.Parse(time.RFC3339Nano, closed)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) queryChallenges(ctx context.Context, query string, args ...any) ([]model.Challenge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []model.Challenge
	for rows.Next() {
		c, err := scanSQLiteChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, *c)
	}
	return challenges, rows.Err()
}

func scanSQLiteChallenge(row rowScanner) (*model.Challenge, error) {
	var c model.Challenge
	var initial, current, start string
	var end sql.NullString

	if err := row.Scan(&c.ID, &c.UserID, &c.Type, &initial, &current,
		&c.Status, &start, &end); err != nil {
		return nil, err
	}

	var err error
	if c.InitialBalance, err = parseDecimal("initial_balance", initial); err != nil {
		return nil, err
	}
	if c.CurrentBalance, err = parseDecimal("current_balance", current); err != nil {
		return nil, err
	}
	c.StartDate, _ = time.Parse(time.RFC3339Nano, start)
	if end.Valid {
		t, err := time.Parse(time.RFC3339Nano, end.String)
		if err == nil {
			c.EndDate = &t
		}
	}
	return &c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
