package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Each atomic application method runs in a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateStock(ctx context.Context, st *model.Stock, entry *model.PriceHistoryEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO stocks (id, symbol, name, category, current_price, total_shares, available_shares, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
			st.ID, st.Symbol, st.Name, st.Category,
			st.CurrentPrice.String(), st.TotalShares, st.AvailableShares, st.CreatedAt,
		)
		if err != nil {
			return err
		}
		return insertHistoryEntry(ctx, tx, entry)
	})
}

const stockColumns = `id, symbol, name, category, current_price::TEXT, total_shares, available_shares, created_at`

func scanStock(row pgx.Row) (*model.Stock, error) {
	var st model.Stock
	var price string

	err := row.Scan(&st.ID, &st.Symbol, &st.Name, &st.Category,
		&price, &st.TotalShares, &st.AvailableShares, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrStockNotFound
		}
		return nil, err
	}
	st.CurrentPrice, _ = decimal.NewFromString(price)
	return &st, nil
}

func (s *PostgresStore) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stockColumns+` FROM stocks WHERE id = $1`, id)
	st, err := scanStock(row)
	if err != nil {
		return nil, fmt.Errorf("get stock %s: %w", id, err)
	}
	return st, nil
}

func (s *PostgresStore) GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stockColumns+` FROM stocks WHERE symbol = $1`, symbol)
	st, err := scanStock(row)
	if err != nil {
		return nil, fmt.Errorf("get stock by symbol %s: %w", symbol, err)
	}
	return st, nil
}

func (s *PostgresStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stockColumns+` FROM stocks ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stocks []model.Stock
	for rows.Next() {
		var st model.Stock
		var price string
		if err := rows.Scan(&st.ID, &st.Symbol, &st.Name, &st.Category,
			&price, &st.TotalShares, &st.AvailableShares, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.CurrentPrice, _ = decimal.NewFromString(price)
		stocks = append(stocks, st)
	}
	return stocks, rows.Err()
}

func (s *PostgresStore) RemoveStock(ctx context.Context, id string) error {
	// History, transactions, and settled bets reference the ID but are
	// retained for replay.
	tag, err := s.pool.Exec(ctx, `DELETE FROM stocks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrStockNotFound, id)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance) VALUES ($1, $2::NUMERIC)`,
		u.ID, u.Balance.String(),
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT FROM users WHERE id = $1`, id).
		Scan(&u.ID, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID, stockID string) (int64, error) {
	var shares int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(shares), 0) FROM holdings WHERE user_id = $1 AND stock_id = $2`,
		userID, stockID).Scan(&shares)
	return shares, err
}

func (s *PostgresStore) ListHoldingsByStock(ctx context.Context, stockID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, stock_id, shares FROM holdings
		 WHERE stock_id = $1 AND shares > 0 ORDER BY user_id`, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHoldings(rows)
}

func (s *PostgresStore) ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, stock_id, shares FROM holdings
		 WHERE user_id = $1 AND shares > 0 ORDER BY stock_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHoldings(rows)
}

func scanHoldings(rows pgx.Rows) ([]model.Holding, error) {
	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.UserID, &h.StockID, &h.Shares); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) CompensateHolder(ctx context.Context, userID, stockID string, amount decimal.Decimal) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
			userID, amount.String()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM holdings WHERE user_id = $1 AND stock_id = $2`,
			userID, stockID)
		return err
	})
}

func (s *PostgresStore) PriceHistory(ctx context.Context, stockID string, limit int) ([]model.PriceHistoryEntry, error) {
	query := `SELECT id, stock_id, price::TEXT, cause, timestamp
	          FROM price_history WHERE stock_id = $1 ORDER BY timestamp DESC`
	args := []any{stockID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.PriceHistoryEntry
	for rows.Next() {
		var e model.PriceHistoryEntry
		var price string
		if err := rows.Scan(&e.ID, &e.StockID, &price, &e.Cause, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Price, _ = decimal.NewFromString(price)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListTransactionsByStock(ctx context.Context, stockID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stock_id, user_id, side, shares, price_per_share::TEXT, total_amount::TEXT, timestamp
		 FROM transactions WHERE stock_id = $1 ORDER BY timestamp`, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var priceS, totalS string
		if err := rows.Scan(&t.ID, &t.StockID, &t.UserID, &t.Side, &t.Shares,
			&priceS, &totalS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.PricePerShare, _ = decimal.NewFromString(priceS)
		t.TotalAmount, _ = decimal.NewFromString(totalS)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func insertHistoryEntry(ctx context.Context, tx pgx.Tx, e *model.PriceHistoryEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO price_history (id, stock_id, price, cause, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		e.ID, e.StockID, e.Price.String(), e.Cause, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, app TradeApplication) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE stocks SET current_price = $2::NUMERIC, available_shares = $3 WHERE id = $1`,
			app.StockID, app.NewPrice.String(), app.NewAvailable)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", model.ErrStockNotFound, app.StockID)
		}

		// The balance floor lives in the WHERE clause so concurrent debits
		// racing on the same row cannot overdraw it.
		tag, err = tx.Exec(ctx,
			`UPDATE users SET balance = balance + $2::NUMERIC
			 WHERE id = $1 AND balance + $2::NUMERIC >= 0`,
			app.UserID, app.BalanceDelta.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: user %s", model.ErrInsufficientFunds, app.UserID)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO holdings (user_id, stock_id, shares) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, stock_id) DO UPDATE SET shares = holdings.shares + $3`,
			app.UserID, app.StockID, app.HoldingDelta); err != nil {
			return err
		}

		t := app.Transaction
		if _, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, stock_id, user_id, side, shares, price_per_share, total_amount, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
			t.ID, t.StockID, t.UserID, t.Side, t.Shares,
			t.PricePerShare.String(), t.TotalAmount.String(), t.Timestamp); err != nil {
			return err
		}

		return insertHistoryEntry(ctx, tx, app.Entry)
	})
}

func (s *PostgresStore) ApplyPriceUpdate(ctx context.Context, upd PriceUpdate) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE stocks SET current_price = $2::NUMERIC,
			        total_shares = COALESCE($3, total_shares),
			        available_shares = COALESCE($4, available_shares)
			 WHERE id = $1`,
			upd.StockID, upd.NewPrice.String(), upd.NewTotal, upd.NewAvailable)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", model.ErrStockNotFound, upd.StockID)
		}
		return insertHistoryEntry(ctx, tx, upd.Entry)
	})
}

func (s *PostgresStore) CreateBet(ctx context.Context, bet *model.DirectionalBet) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance - $2::NUMERIC
			 WHERE id = $1 AND balance >= $2::NUMERIC`,
			bet.UserID, bet.Amount.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: user %s", model.ErrInsufficientFunds, bet.UserID)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO bets (id, stock_id, user_id, type, amount, entry_price, status, payout, placed_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9, $10)`,
			bet.ID, bet.StockID, bet.UserID, bet.Type,
			bet.Amount.String(), bet.EntryPrice.String(),
			bet.Status, bet.Payout.String(), bet.PlacedAt, bet.ExpiresAt)
		return err
	})
}

const betColumns = `id, stock_id, user_id, type, amount::TEXT, entry_price::TEXT, status, payout::TEXT, placed_at, expires_at, resolved_at`

func scanBet(row pgx.Row) (*model.DirectionalBet, error) {
	var b model.DirectionalBet
	var amountS, entryS, payoutS string

	err := row.Scan(&b.ID, &b.StockID, &b.UserID, &b.Type,
		&amountS, &entryS, &b.Status, &payoutS,
		&b.PlacedAt, &b.ExpiresAt, &b.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrBetNotFound
		}
		return nil, err
	}
	b.Amount, _ = decimal.NewFromString(amountS)
	b.EntryPrice, _ = decimal.NewFromString(entryS)
	b.Payout, _ = decimal.NewFromString(payoutS)
	return &b, nil
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.DirectionalBet, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id)
	b, err := scanBet(row)
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) listBets(ctx context.Context, query string, args ...any) ([]model.DirectionalBet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.DirectionalBet
	for rows.Next() {
		var b model.DirectionalBet
		var amountS, entryS, payoutS string
		if err := rows.Scan(&b.ID, &b.StockID, &b.UserID, &b.Type,
			&amountS, &entryS, &b.Status, &payoutS,
			&b.PlacedAt, &b.ExpiresAt, &b.ResolvedAt); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amountS)
		b.EntryPrice, _ = decimal.NewFromString(entryS)
		b.Payout, _ = decimal.NewFromString(payoutS)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) ListOpenBetsByUser(ctx context.Context, userID string) ([]model.DirectionalBet, error) {
	return s.listBets(ctx,
		`SELECT `+betColumns+` FROM bets WHERE user_id = $1 AND status = 'open' ORDER BY placed_at`,
		userID)
}

func (s *PostgresStore) ListOpenBetsByStock(ctx context.Context, stockID string) ([]model.DirectionalBet, error) {
	return s.listBets(ctx,
		`SELECT `+betColumns+` FROM bets WHERE stock_id = $1 AND status = 'open' ORDER BY placed_at`,
		stockID)
}

func (s *PostgresStore) ListDueBets(ctx context.Context, now time.Time) ([]model.DirectionalBet, error) {
	return s.listBets(ctx,
		`SELECT `+betColumns+` FROM bets WHERE status = 'open' AND expires_at <= $1 ORDER BY expires_at`,
		now)
}

func (s *PostgresStore) SettleBet(ctx context.Context, betID, status string, payout decimal.Decimal, resolvedAt time.Time) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Conditional on status='open': overlapping sweeps race here and
		// exactly one wins.
		var userID string
		err := tx.QueryRow(ctx,
			`UPDATE bets SET status = $2, payout = $3::NUMERIC, resolved_at = $4
			 WHERE id = $1 AND status = 'open'
			 RETURNING user_id`,
			betID, status, payout.String(), resolvedAt).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // already terminal, no-op
		}
		if err != nil {
			return err
		}

		applied = true
		if payout.IsPositive() {
			_, err = tx.Exec(ctx,
				`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
				userID, payout.String())
		}
		return err
	})
	return applied, err
}

// ensureDriftRow seeds the single drift_state row so the UPDATE-based
// methods always have a target. 'epoch' makes the first non-forced run
// claimable immediately.
func ensureDriftRow(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO drift_state (id, enabled, last_drift_at)
		 VALUES (1, TRUE, 'epoch') ON CONFLICT (id) DO NOTHING`)
	return err
}

func (s *PostgresStore) DriftState(ctx context.Context) (model.DriftState, error) {
	var state model.DriftState
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := ensureDriftRow(ctx, tx); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`SELECT enabled, last_drift_at FROM drift_state WHERE id = 1`).
			Scan(&state.Enabled, &state.LastDriftAt)
	})
	return state, err
}

func (s *PostgresStore) SetDriftEnabled(ctx context.Context, enabled bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := ensureDriftRow(ctx, tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE drift_state SET enabled = $1 WHERE id = 1`, enabled)
		return err
	})
}

func (s *PostgresStore) ClaimDriftWindow(ctx context.Context, now time.Time, window time.Duration, force bool) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := ensureDriftRow(ctx, tx); err != nil {
			return err
		}
		// Single conditional UPDATE: when two processes race, the row lock
		// serializes them and the loser sees the advanced timestamp.
		tag, err := tx.Exec(ctx,
			`UPDATE drift_state SET last_drift_at = $1
			 WHERE id = 1 AND ($3 OR (enabled AND last_drift_at <= $2))`,
			now, now.Add(-window), force)
		if err != nil {
			return err
		}
		claimed = tag.RowsAffected() > 0
		return nil
	})
	return claimed, err
}
