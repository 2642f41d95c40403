// Package store defines the transactional contract the matching and
// settlement paths run against, decoupled from storage technology.
package store

import (
	"context"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/tradecore/exchange/internal/models"
)

// Tx is one atomic unit of work. Every read of a row that will be written
// must go through the ForUpdate/Best* accessors so two units racing on the
// same orders or balances cannot both commit.
type Tx interface {
	// Market returns the market definition or models.ErrMarketNotFound.
	Market(ctx context.Context, id string) (*models.Market, error)

	// OrderForUpdate returns the order with its row locked for the rest of
	// the unit, or models.ErrOrderNotFound.
	OrderForUpdate(ctx context.Context, id int64) (*models.Order, error)

	// BestBid returns the highest-priced open/partial buy order in the
	// market, earliest first on price ties, locked for update. Nil when the
	// bid side is empty.
	BestBid(ctx context.Context, marketID string) (*models.Order, error)

	// BestAsk is BestBid's mirror: lowest-priced open/partial sell order.
	BestAsk(ctx context.Context, marketID string) (*models.Order, error)

	// CreateOrder persists a new order and returns it with id and
	// timestamps assigned.
	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error)

	// ApplyFill sets the order's filled amount and status and stamps
	// updated_at.
	ApplyFill(ctx context.Context, orderID int64, filled fpdecimal.Decimal, status models.OrderStatus) error

	// SetOrderStatus transitions the order's status and stamps updated_at.
	SetOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error

	// CreateTrade appends one trade record.
	CreateTrade(ctx context.Context, t *models.Trade) (*models.Trade, error)

	// BuyOrderTotal returns the summed quote value (Σ amount × price) of
	// every trade where the order is the buy side; zero if there are none.
	// Settlement and cancel use it to compute what is still escrowed for a
	// buy order whose fills executed below its limit price.
	BuyOrderTotal(ctx context.Context, orderID int64) (fpdecimal.Decimal, error)

	// AdjustBalance applies paired deltas to one (user, asset) row, creating
	// it lazily. Returns models.ErrInsufficientFunds if either counter would
	// go negative.
	AdjustBalance(ctx context.Context, userID int64, asset string, availableDelta, lockedDelta fpdecimal.Decimal) error
}

// Store runs atomic units and serves the non-locking reads the router and
// API need between units.
type Store interface {
	// Atomic runs fn as one serializable unit: all writes commit together
	// or none do. Write-write conflicts abort and are retried a bounded
	// number of times before surfacing models.ErrTxConflict.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Market returns the market definition or models.ErrMarketNotFound.
	Market(ctx context.Context, id string) (*models.Market, error)

	// Order returns a point-in-time snapshot of one order.
	Order(ctx context.Context, id int64) (*models.Order, error)

	// BestBid and BestAsk are snapshot reads of the book top; nil when the
	// side is empty.
	BestBid(ctx context.Context, marketID string) (*models.Order, error)
	BestAsk(ctx context.Context, marketID string) (*models.Order, error)

	// Balance returns the (user, asset) row, or a zero row if none exists.
	Balance(ctx context.Context, userID int64, asset string) (*models.Balance, error)
}
