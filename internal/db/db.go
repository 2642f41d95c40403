// Package db implements the transactional store and the API-facing queries
// on PostgreSQL.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nikolaydubina/fpdecimal"
	"github.com/tradecore/exchange/internal/models"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateMarket registers a trading pair
func (db *DB) CreateMarket(ctx context.Context, id, baseAsset, quoteAsset string) (*models.Market, error) {
	m := &models.Market{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO markets (id, base_asset, quote_asset) VALUES ($1, $2, $3) RETURNING id, base_asset, quote_asset, created_at",
		id, baseAsset, quoteAsset).Scan(&m.ID, &m.BaseAsset, &m.QuoteAsset, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create market: %w", err)
	}
	return m, nil
}

// Market retrieves a market by id
func (db *DB) Market(ctx context.Context, id string) (*models.Market, error) {
	return scanMarket(db.Pool.QueryRow(ctx,
		"SELECT id, base_asset, quote_asset, created_at FROM markets WHERE id = $1", id))
}

// ListMarkets retrieves all markets
func (db *DB) ListMarkets(ctx context.Context) ([]models.Market, error) {
	rows, err := db.Pool.Query(ctx, "SELECT id, base_asset, quote_asset, created_at FROM markets ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	defer rows.Close()

	var markets []models.Market
	for rows.Next() {
		var m models.Market
		if err := rows.Scan(&m.ID, &m.BaseAsset, &m.QuoteAsset, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Order retrieves one order by id
func (db *DB) Order(ctx context.Context, id int64) (*models.Order, error) {
	return scanOrder(db.Pool.QueryRow(ctx, selectOrder+" WHERE id = $1", id))
}

// BestBid returns the top open/partial buy order, or nil if the side is empty
func (db *DB) BestBid(ctx context.Context, marketID string) (*models.Order, error) {
	return db.bookTop(ctx, db.Pool, marketID, models.SideBuy, false)
}

// BestAsk returns the top open/partial sell order, or nil if the side is empty
func (db *DB) BestAsk(ctx context.Context, marketID string) (*models.Order, error) {
	return db.bookTop(ctx, db.Pool, marketID, models.SideSell, false)
}

// Balance retrieves a (user, asset) balance; a zero row if none exists yet
func (db *DB) Balance(ctx context.Context, userID int64, asset string) (*models.Balance, error) {
	b := &models.Balance{UserID: userID, Asset: asset}
	var available, locked string
	err := db.Pool.QueryRow(ctx,
		"SELECT available::text, locked::text FROM balances WHERE user_id = $1 AND asset = $2",
		userID, asset).Scan(&available, &locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, scanBalanceAmounts(b, available, locked)
}

// Credit atomically adds spendable funds to a (user, asset) balance. This is
// the boundary the deposit monitor feeds.
func (db *DB) Credit(ctx context.Context, userID int64, asset string, amount fpdecimal.Decimal) error {
	return db.adjustAvailable(ctx, userID, asset, amount)
}

// Debit atomically removes spendable funds; fails with ErrInsufficientFunds
// rather than going negative. Withdrawal-monitor boundary.
func (db *DB) Debit(ctx context.Context, userID int64, asset string, amount fpdecimal.Decimal) error {
	return db.adjustAvailable(ctx, userID, asset, fpdecimal.Zero.Sub(amount))
}

func (db *DB) adjustAvailable(ctx context.Context, userID int64, asset string, delta fpdecimal.Decimal) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO balances (user_id, asset, available, locked)
		VALUES ($1, $2, $3::numeric, 0)
		ON CONFLICT (user_id, asset)
		DO UPDATE SET available = balances.available + $3::numeric
	`, userID, asset, delta.String())
	if isCheckViolation(err) {
		return models.ErrInsufficientFunds
	}
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	return nil
}

// UserOrders retrieves all orders for a user, newest first
func (db *DB) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, selectOrder+" WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// OpenOrders retrieves every order currently resting on a market's book
func (db *DB) OpenOrders(ctx context.Context, marketID string) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		selectOrder+" WHERE market_id = $1 AND status IN ('open', 'partial') ORDER BY created_at ASC",
		marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// UserTrades retrieves all trades touching any of the user's orders
func (db *DB) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT DISTINCT t.id, t.market_id, t.buy_order_id, t.sell_order_id,
		        t.amount::text, t.price::text, t.total::text, t.executed_at
		 FROM trades t
		 JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id
		 WHERE o.user_id = $1
		 ORDER BY t.executed_at DESC, t.id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// UserBalances retrieves every balance row for the user
func (db *DB) UserBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT user_id, asset, available::text, locked::text FROM balances WHERE user_id = $1 ORDER BY asset",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		var b models.Balance
		var available, locked string
		if err := rows.Scan(&b.UserID, &b.Asset, &available, &locked); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if err := scanBalanceAmounts(&b, available, locked); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

const selectOrder = `SELECT id, user_id, market_id, side, type,
	price::text, quantity::text, filled_amount::text, status, created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (db *DB) bookTop(ctx context.Context, q querier, marketID string, side models.Side, lock bool) (*models.Order, error) {
	dir := "DESC"
	if side == models.SideSell {
		dir = "ASC"
	}
	sql := selectOrder + fmt.Sprintf(
		" WHERE market_id = $1 AND side = $2 AND status IN ('open', 'partial') ORDER BY price %s, created_at ASC, id ASC LIMIT 1", dir)
	if lock {
		sql += " FOR UPDATE"
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, marketID, string(side)))
	if errors.Is(err, models.ErrOrderNotFound) {
		return nil, nil
	}
	return o, err
}

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var side, typ, status string
	var price, quantity, filled string
	err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &side, &typ,
		&price, &quantity, &filled, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	o.Side = models.Side(side)
	o.Type = models.OrderType(typ)
	o.Status = models.OrderStatus(status)
	if o.Price, err = fpdecimal.FromString(price); err != nil {
		return nil, fmt.Errorf("bad price %q: %w", price, err)
	}
	if o.Quantity, err = fpdecimal.FromString(quantity); err != nil {
		return nil, fmt.Errorf("bad quantity %q: %w", quantity, err)
	}
	if o.FilledAmount, err = fpdecimal.FromString(filled); err != nil {
		return nil, fmt.Errorf("bad filled_amount %q: %w", filled, err)
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanMarket(row rowScanner) (*models.Market, error) {
	m := &models.Market{}
	err := row.Scan(&m.ID, &m.BaseAsset, &m.QuoteAsset, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan market: %w", err)
	}
	return m, nil
}

func scanTradeRow(row rowScanner) (*models.Trade, error) {
	t := &models.Trade{}
	var amount, price, total string
	err := row.Scan(&t.ID, &t.MarketID, &t.BuyOrderID, &t.SellOrderID,
		&amount, &price, &total, &t.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}
	if t.Amount, err = fpdecimal.FromString(amount); err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	if t.Price, err = fpdecimal.FromString(price); err != nil {
		return nil, fmt.Errorf("bad price %q: %w", price, err)
	}
	if t.Total, err = fpdecimal.FromString(total); err != nil {
		return nil, fmt.Errorf("bad total %q: %w", total, err)
	}
	return t, nil
}

func scanBalanceAmounts(b *models.Balance, available, locked string) error {
	var err error
	if b.Available, err = fpdecimal.FromString(available); err != nil {
		return fmt.Errorf("bad available %q: %w", available, err)
	}
	if b.Locked, err = fpdecimal.FromString(locked); err != nil {
		return fmt.Errorf("bad locked %q: %w", locked, err)
	}
	return nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
