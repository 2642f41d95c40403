// Package exchange contains the order lifecycle: matching, settlement and
// hybrid routing.
package exchange

import (
	"context"
	"fmt"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/rs/zerolog"
	"github.com/tradecore/exchange/internal/feed"
	"github.com/tradecore/exchange/internal/models"
	"github.com/tradecore/exchange/internal/store"
)

// Engine implements top-of-book matching: one invocation pairs at most the
// single best bid with the single best ask, so a crossed book is drained by
// repeated invocation.
type Engine struct {
	store store.Store
	feed  feed.Sender
	log   zerolog.Logger
}

// NewEngine creates a matching engine on the given store.
func NewEngine(s store.Store, sender feed.Sender, log zerolog.Logger) *Engine {
	return &Engine{
		store: s,
		feed:  sender,
		log:   log.With().Str("component", "engine").Logger(),
	}
}

// TopOfBook returns snapshot reads of the best bid and ask. Either may be
// nil when that side is empty.
func (e *Engine) TopOfBook(ctx context.Context, marketID string) (bid, ask *models.Order, err error) {
	if bid, err = e.store.BestBid(ctx, marketID); err != nil {
		return nil, nil, err
	}
	if ask, err = e.store.BestAsk(ctx, marketID); err != nil {
		return nil, nil, err
	}
	return bid, ask, nil
}

// crossFill computes the crossing result for a bid/ask pair: the fill size,
// and whether any fill happens at all. The ≤0 guard protects against stale
// reads racing a concurrent fill.
func crossFill(bid, ask *models.Order) (fpdecimal.Decimal, bool) {
	if bid == nil || ask == nil {
		return fpdecimal.Zero, false
	}
	if bid.Price.LessThan(ask.Price) {
		return fpdecimal.Zero, false
	}
	amount := bid.Remaining()
	if ask.Remaining().LessThan(amount) {
		amount = ask.Remaining()
	}
	if amount.LessThanOrEqual(fpdecimal.Zero) {
		return fpdecimal.Zero, false
	}
	return amount, true
}

// MatchMarket attempts one match in the market. It settles at most one
// bid/ask pair and returns the resulting trade, or nil if the book does not
// cross. Execution price is the resting sell order's price.
func (e *Engine) MatchMarket(ctx context.Context, marketID string) (*models.Trade, error) {
	var trade *models.Trade
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		market, err := tx.Market(ctx, marketID)
		if err != nil {
			return err
		}
		bid, err := tx.BestBid(ctx, marketID)
		if err != nil {
			return err
		}
		ask, err := tx.BestAsk(ctx, marketID)
		if err != nil {
			return err
		}
		amount, ok := crossFill(bid, ask)
		if !ok {
			return nil
		}
		trade, err = settle(ctx, tx, market, bid, ask, amount, ask.Price)
		return err
	})
	if err != nil {
		return nil, err
	}
	if trade != nil {
		e.publish(ctx, trade)
	}
	return trade, nil
}

// Drain matches the market until the book no longer crosses, returning all
// trades settled on the way.
func (e *Engine) Drain(ctx context.Context, marketID string) ([]models.Trade, error) {
	var trades []models.Trade
	for {
		trade, err := e.MatchMarket(ctx, marketID)
		if err != nil {
			return trades, err
		}
		if trade == nil {
			return trades, nil
		}
		trades = append(trades, *trade)
	}
}

// PlaceLimit locks the order's cost, creates the resting order and drains
// the book. Fails with ErrInsufficientFunds before creating anything if the
// user cannot cover the order.
func (e *Engine) PlaceLimit(ctx context.Context, userID int64, marketID string, side models.Side, price, quantity fpdecimal.Decimal) (*models.Order, []models.Trade, error) {
	if quantity.LessThanOrEqual(fpdecimal.Zero) {
		return nil, nil, models.ErrInvalidQuantity
	}
	if price.LessThanOrEqual(fpdecimal.Zero) {
		return nil, nil, models.ErrInvalidPrice
	}

	var order *models.Order
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		market, err := tx.Market(ctx, marketID)
		if err != nil {
			return err
		}

		asset, cost := orderCost(market, side, price, quantity)
		if err := tx.AdjustBalance(ctx, userID, asset, fpdecimal.Zero.Sub(cost), cost); err != nil {
			return err
		}

		order, err = tx.CreateOrder(ctx, &models.Order{
			UserID:   userID,
			MarketID: marketID,
			Side:     side,
			Type:     models.TypeLimit,
			Price:    price,
			Quantity: quantity,
			Status:   models.StatusOpen,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	e.log.Info().
		Int64("order_id", order.ID).
		Str("market", marketID).
		Str("side", string(side)).
		Str("price", price.String()).
		Str("quantity", quantity.String()).
		Msg("limit order placed")

	trades, err := e.Drain(ctx, marketID)
	if err != nil {
		return order, trades, err
	}

	// Reload: the drain may have filled the new order
	order, err = e.store.Order(ctx, order.ID)
	return order, trades, err
}

// CancelOrder transitions an open or partial order to canceled and releases
// the remaining provisional lock. Any other starting state is rejected with
// ErrInvalidStateTransition and mutates nothing.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	var order *models.Order
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return models.ErrNotOwner
		}
		if !o.Status.CanCancel() {
			return fmt.Errorf("%w: cannot cancel %s order", models.ErrInvalidStateTransition, o.Status)
		}

		market, err := tx.Market(ctx, o.MarketID)
		if err != nil {
			return err
		}
		asset, release, err := remainingLock(ctx, tx, market, o)
		if err != nil {
			return err
		}
		if release.GreaterThan(fpdecimal.Zero) {
			if err := tx.AdjustBalance(ctx, userID, asset, release, fpdecimal.Zero.Sub(release)); err != nil {
				return err
			}
		}

		if err := tx.SetOrderStatus(ctx, orderID, models.StatusCanceled); err != nil {
			return err
		}
		o.Status = models.StatusCanceled
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Int64("order_id", orderID).Msg("order canceled")
	return order, nil
}

// orderCost returns which asset an order escrows and how much: buys lock
// quantity×price of the quote asset, sells lock quantity of the base asset.
func orderCost(m *models.Market, side models.Side, price, quantity fpdecimal.Decimal) (string, fpdecimal.Decimal) {
	if side == models.SideBuy {
		return m.QuoteAsset, quantity.Mul(price)
	}
	return m.BaseAsset, quantity
}

func (e *Engine) publish(ctx context.Context, trade *models.Trade) {
	// The trade is already committed; a feed hiccup must not unwind it.
	if err := e.feed.SendTrade(ctx, feed.NewTradeMessage(trade)); err != nil {
		e.log.Warn().Err(err).Int64("trade_id", trade.ID).Msg("failed to publish trade")
	}
	e.log.Info().
		Int64("trade_id", trade.ID).
		Str("market", trade.MarketID).
		Str("amount", trade.Amount.String()).
		Str("price", trade.Price.String()).
		Msg("trade settled")
}
