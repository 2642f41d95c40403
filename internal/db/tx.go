package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nikolaydubina/fpdecimal"
	"github.com/tradecore/exchange/internal/models"
	"github.com/tradecore/exchange/internal/store"
)

// maxTxRetries bounds local retries of serialization failures before the
// conflict is surfaced to the caller as transient.
const maxTxRetries = 3

// Atomic runs fn in a serializable transaction, retrying on write-write
// conflict. All settlement writes go through here.
func (db *DB) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		err := db.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
	}
	return fmt.Errorf("%w: %v", models.ErrTxConflict, lastErr)
}

func (db *DB) runOnce(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{db: db, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isSerializationFailure matches serialization_failure and deadlock_detected.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// pgTx implements store.Tx on an open pgx transaction.
type pgTx struct {
	db *DB
	tx pgx.Tx
}

func (t *pgTx) Market(ctx context.Context, id string) (*models.Market, error) {
	return scanMarket(t.tx.QueryRow(ctx,
		"SELECT id, base_asset, quote_asset, created_at FROM markets WHERE id = $1", id))
}

func (t *pgTx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, selectOrder+" WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) BestBid(ctx context.Context, marketID string) (*models.Order, error) {
	return t.db.bookTop(ctx, t.tx, marketID, models.SideBuy, true)
}

func (t *pgTx) BestAsk(ctx context.Context, marketID string) (*models.Order, error) {
	return t.db.bookTop(ctx, t.tx, marketID, models.SideSell, true)
}

func (t *pgTx) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, market_id, side, type, price, quantity, filled_amount, status)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)
		RETURNING id, user_id, market_id, side, type,
		          price::text, quantity::text, filled_amount::text, status, created_at, updated_at`,
		o.UserID, o.MarketID, string(o.Side), string(o.Type),
		o.Price.String(), o.Quantity.String(), o.FilledAmount.String(), string(o.Status)))
}

func (t *pgTx) ApplyFill(ctx context.Context, orderID int64, filled fpdecimal.Decimal, status models.OrderStatus) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET filled_amount = $1::numeric, status = $2, updated_at = NOW() WHERE id = $3",
		filled.String(), string(status), orderID)
	if err != nil {
		return fmt.Errorf("failed to apply fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) SetOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		string(status), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) CreateTrade(ctx context.Context, tr *models.Trade) (*models.Trade, error) {
	return scanTradeRow(t.tx.QueryRow(ctx, `
		INSERT INTO trades (market_id, buy_order_id, sell_order_id, amount, price, total)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric)
		RETURNING id, market_id, buy_order_id, sell_order_id,
		          amount::text, price::text, total::text, executed_at`,
		tr.MarketID, tr.BuyOrderID, tr.SellOrderID,
		tr.Amount.String(), tr.Price.String(), tr.Total.String()))
}

func (t *pgTx) BuyOrderTotal(ctx context.Context, orderID int64) (fpdecimal.Decimal, error) {
	var total string
	err := t.tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(total), 0)::text FROM trades WHERE buy_order_id = $1",
		orderID).Scan(&total)
	if err != nil {
		return fpdecimal.Zero, fmt.Errorf("failed to sum buy order trades: %w", err)
	}
	sum, err := fpdecimal.FromString(total)
	if err != nil {
		return fpdecimal.Zero, fmt.Errorf("bad trade total %q: %w", total, err)
	}
	return sum, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID int64, asset string, availableDelta, lockedDelta fpdecimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balances (user_id, asset, available, locked)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, asset) DO NOTHING
	`, userID, asset)
	if err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		UPDATE balances
		SET available = available + $3::numeric, locked = locked + $4::numeric
		WHERE user_id = $1 AND asset = $2
	`, userID, asset, availableDelta.String(), lockedDelta.String())
	if isCheckViolation(err) {
		return models.ErrInsufficientFunds
	}
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	return nil
}

var _ store.Store = (*DB)(nil)
var _ store.Tx = (*pgTx)(nil)
