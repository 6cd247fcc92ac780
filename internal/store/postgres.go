package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/propdesk/challenge-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS challenges (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		type            TEXT NOT NULL,
		initial_balance NUMERIC NOT NULL CHECK (initial_balance > 0),
		current_balance NUMERIC NOT NULL,
		status          TEXT NOT NULL DEFAULT 'active',
		start_date      TIMESTAMPTZ NOT NULL,
		end_date        TIMESTAMPTZ,
		CHECK ((status = 'active') = (end_date IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_challenges_status ON challenges(status)`,
	`CREATE INDEX IF NOT EXISTS idx_challenges_user ON challenges(user_id)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id           TEXT PRIMARY KEY,
		challenge_id TEXT NOT NULL REFERENCES challenges(id),
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		entry_price  NUMERIC NOT NULL,
		exit_price   NUMERIC NOT NULL,
		quantity     NUMERIC NOT NULL,
		pnl          NUMERIC NOT NULL,
		opened_at    TIMESTAMPTZ NOT NULL,
		closed_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_challenge ON trades(challenge_id, closed_at)`,
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const challengeColumns = `id, user_id, type, initial_balance::TEXT, current_balance::TEXT, status, start_date, end_date`

func (s *PostgresStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO challenges (id, user_id, type, initial_balance, current_balance, status, start_date, end_date)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		c.ID, c.UserID, c.Type,
		c.InitialBalance.String(), c.CurrentBalance.String(),
		c.Status, c.StartDate, c.EndDate,
	)
	return err
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id)

	c, err := scanChallenge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) FindActiveChallenges(ctx context.Context) ([]model.Challenge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE status = 'active' ORDER BY start_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChallenges(rows)
}

func (s *PostgresStore) ListChallengesByUser(ctx context.Context, userID string) ([]model.Challenge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE user_id = $1 ORDER BY start_date DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChallenges(rows)
}

func (s *PostgresStore) ListChallenges(ctx context.Context) ([]model.Challenge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+challengeColumns+` FROM challenges ORDER BY start_date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChallenges(rows)
}

func (s *PostgresStore) UpdateChallenge(ctx context.Context, id, status string, endDate time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE challenges SET status = $2, end_date = $3
		 WHERE id = $1 AND status = 'active'`,
		id, status, endDate,
	)
	if err != nil {
		return fmt.Errorf("update challenge %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing changed: either the row is gone or it is already terminal.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM challenges WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update challenge %s: %w", id, err)
	}
	return fmt.Errorf("challenge %s is %s: %w", id, current, ErrNotActive)
}

func (s *PostgresStore) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE challenges SET current_balance = $2::NUMERIC WHERE id = $1`,
		id, balance.String(),
	)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, challenge_id, symbol, side, entry_price, exit_price, quantity, pnl, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		t.ID, t.ChallengeID, t.Symbol, t.Side,
		t.EntryPrice.String(), t.ExitPrice.String(), t.Quantity.String(), t.PnL.String(),
		t.OpenedAt, t.ClosedAt,
	)
	return err
}

func (s *PostgresStore) ListTradesByChallenge(ctx context.Context, challengeID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, challenge_id, symbol, side,
		        entry_price::TEXT, exit_price::TEXT, quantity::TEXT, pnl::TEXT,
		        opened_at, closed_at
		 FROM trades WHERE challenge_id = $1 ORDER BY closed_at`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// rowIterator is the subset of pgx.Rows and *sql.Rows the scanners need.
type rowIterator interface {
	rowScanner
	Next() bool
	Err() error
}

func scanChallenge(row rowScanner) (*model.Challenge, error) {
	var c model.Challenge
	var initial, current string
	var end *time.Time

	if err := row.Scan(&c.ID, &c.UserID, &c.Type, &initial, &current,
		&c.Status, &c.StartDate, &end); err != nil {
		return nil, err
	}

	var err error
	if c.InitialBalance, err = parseDecimal("initial_balance", initial); err != nil {
		return nil, err
	}
	if c.CurrentBalance, err = parseDecimal("current_balance", current); err != nil {
		return nil, err
	}
	c.EndDate = end
	return &c, nil
}

// parseDecimal converts a NUMERIC column read as text. A corrupt value is an
// error, never a zero balance.
func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("column %s: %w", column, err)
	}
	return d, nil
}

// parseTradeAmounts fills the decimal columns of a trade.
func parseTradeAmounts(t *model.Trade, entry, exit, qty, pnl string) error {
	var err error
	if t.EntryPrice, err = parseDecimal("entry_price", entry); err != nil {
		return err
	}
	if t.ExitPrice, err = parseDecimal("exit_price", exit); err != nil {
		return err
	}
	if t.Quantity, err = parseDecimal("quantity", qty); err != nil {
		return err
	}
	t.PnL, err = parseDecimal("pnl", pnl)
	return err
}

func scanChallenges(rows rowIterator) ([]model.Challenge, error) {
	var challenges []model.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, *c)
	}
	return challenges, rows.Err()
}

func scanTrades(rows rowIterator) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var entry, exit, qty, pnl string

		if err := rows.Scan(&t.ID, &t.ChallengeID, &t.Symbol, &t.Side,
			&entry, &exit, &qty, &pnl, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, err
		}

		if err := parseTradeAmounts(&t, entry, exit, qty, pnl); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
