package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/rs/zerolog"
	"github.com/tradecore/exchange/internal/external"
	"github.com/tradecore/exchange/internal/models"
	"github.com/tradecore/exchange/internal/store"
)

// Venue identifies where an order was executed.
type Venue string

const (
	VenueInternal Venue = "internal"
	VenueExternal Venue = "external"
)

// RouteRequest is a market order to be executed at the best available venue.
type RouteRequest struct {
	UserID   int64
	MarketID string
	Side     models.Side
	Quantity fpdecimal.Decimal
}

// RouteResult reports the chosen venue and the resulting order state.
// Trades is populated only for internal execution; external fills settle
// against the venue, not an internal counterparty.
type RouteResult struct {
	Venue  Venue
	Order  *models.Order
	Trades []models.Trade
}

// Router decides, per order, between the internal book and the external
// venue by comparing the internal top-of-book price against the external
// quote.
type Router struct {
	store       store.Store
	engine      *Engine
	quotes      external.QuoteProvider
	exec        external.SwapExecutor
	execTimeout time.Duration
	log         zerolog.Logger
}

// NewRouter creates a hybrid router.
func NewRouter(s store.Store, e *Engine, quotes external.QuoteProvider, exec external.SwapExecutor, execTimeout time.Duration, log zerolog.Logger) *Router {
	if execTimeout <= 0 {
		execTimeout = 30 * time.Second
	}
	return &Router{
		store:       s,
		engine:      e,
		quotes:      quotes,
		exec:        exec,
		execTimeout: execTimeout,
		log:         log.With().Str("component", "router").Logger(),
	}
}

// chooseVenue is the routing decision: buys want the lower price, sells the
// higher one, and ties go internal. A missing side forces the other venue;
// both missing means no liquidity at all.
func chooseVenue(side models.Side, internalPrice fpdecimal.Decimal, haveInternal bool, externalPrice fpdecimal.Decimal, haveExternal bool) (Venue, bool) {
	switch {
	case !haveInternal && !haveExternal:
		return "", false
	case !haveExternal:
		return VenueInternal, true
	case !haveInternal:
		return VenueExternal, true
	}
	if side == models.SideBuy {
		if internalPrice.LessThanOrEqual(externalPrice) {
			return VenueInternal, true
		}
		return VenueExternal, true
	}
	if internalPrice.GreaterThanOrEqual(externalPrice) {
		return VenueInternal, true
	}
	return VenueExternal, true
}

// Route executes a market order at the better venue. Internal execution
// places a limit order at the resting counterparty's price and drains the
// book; external execution locks funds, hands off to the venue and
// reconciles the outcome.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	if req.Quantity.LessThanOrEqual(fpdecimal.Zero) {
		return nil, models.ErrInvalidQuantity
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("unknown side %q", req.Side)
	}

	market, err := r.store.Market(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}

	var counter *models.Order
	if req.Side == models.SideBuy {
		counter, err = r.store.BestAsk(ctx, req.MarketID)
	} else {
		counter, err = r.store.BestBid(ctx, req.MarketID)
	}
	if err != nil {
		return nil, err
	}
	haveInternal := counter != nil
	internalPrice := fpdecimal.Zero
	if haveInternal {
		internalPrice = counter.Price
	}

	externalPrice, haveExternal := r.fetchQuote(ctx, market, req.Side, req.Quantity)

	venue, ok := chooseVenue(req.Side, internalPrice, haveInternal, externalPrice, haveExternal)
	if !ok {
		return nil, models.ErrNoLiquidity
	}

	r.log.Info().
		Str("market", req.MarketID).
		Str("side", string(req.Side)).
		Str("quantity", req.Quantity.String()).
		Str("venue", string(venue)).
		Bool("have_internal", haveInternal).
		Bool("have_external", haveExternal).
		Msg("routing decision")

	if venue == VenueInternal {
		order, trades, err := r.engine.PlaceLimit(ctx, req.UserID, req.MarketID, req.Side, internalPrice, req.Quantity)
		if err != nil {
			return nil, err
		}
		return &RouteResult{Venue: VenueInternal, Order: order, Trades: trades}, nil
	}
	return r.executeExternal(ctx, req, market, externalPrice)
}

// fetchQuote asks the external venue for a unit price. Failures degrade to
// "no external venue" so the internal book wins by default.
func (r *Router) fetchQuote(ctx context.Context, market *models.Market, side models.Side, quantity fpdecimal.Decimal) (fpdecimal.Decimal, bool) {
	qctx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	from, to := market.QuoteAsset, market.BaseAsset
	if side == models.SideSell {
		from, to = market.BaseAsset, market.QuoteAsset
	}
	price, err := r.quotes.Quote(qctx, from, to, quantity)
	if err != nil {
		r.log.Warn().Err(err).Str("market", market.ID).Msg("external quote unavailable")
		return fpdecimal.Zero, false
	}
	return price, true
}

// executeExternal runs the provisional-lock → execute → reconcile sequence.
// No store transaction is held while the venue call is in flight.
func (r *Router) executeExternal(ctx context.Context, req RouteRequest, market *models.Market, price fpdecimal.Decimal) (*RouteResult, error) {
	lockAsset, lockAmount := orderCost(market, req.Side, price, req.Quantity)

	var order *models.Order
	err := r.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AdjustBalance(ctx, req.UserID, lockAsset, neg(lockAmount), lockAmount); err != nil {
			return err
		}
		var err error
		order, err = tx.CreateOrder(ctx, &models.Order{
			UserID:   req.UserID,
			MarketID: req.MarketID,
			Side:     req.Side,
			Type:     models.TypeMarket,
			Quantity: req.Quantity,
			Status:   models.StatusExecuting,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	result, execErr := r.runSwap(ctx, market, req, price)
	if execErr != nil {
		if rerr := r.reconcileFailure(ctx, order.ID, req.UserID, lockAsset, lockAmount); rerr != nil {
			// The lock stays until reconciliation succeeds; surface loudly.
			r.log.Error().Err(rerr).Int64("order_id", order.ID).Msg("failed to release lock after external failure")
			return nil, fmt.Errorf("external execution failed and reconciliation failed: %v: %w", execErr, rerr)
		}
		order.Status = models.StatusFailed
		return &RouteResult{Venue: VenueExternal, Order: order},
			fmt.Errorf("external execution failed: %w", execErr)
	}

	if err := r.reconcileSuccess(ctx, order, market, req, lockAsset, lockAmount, result); err != nil {
		return nil, err
	}
	order, err = r.store.Order(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &RouteResult{Venue: VenueExternal, Order: order}, nil
}

func (r *Router) runSwap(ctx context.Context, market *models.Market, req RouteRequest, price fpdecimal.Decimal) (*external.ExecutionResult, error) {
	sctx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	from, to := market.QuoteAsset, market.BaseAsset
	if req.Side == models.SideSell {
		from, to = market.BaseAsset, market.QuoteAsset
	}
	swapTx, err := r.exec.Build(sctx, external.SwapQuote{
		FromAsset: from,
		ToAsset:   to,
		Amount:    req.Quantity,
		Price:     price,
	})
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	result, err := r.exec.Execute(sctx, swapTx)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	return result, nil
}

// reconcileFailure marks the order failed and releases the provisional lock
// as one unit.
func (r *Router) reconcileFailure(ctx context.Context, orderID, userID int64, lockAsset string, lockAmount fpdecimal.Decimal) error {
	return r.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.SetOrderStatus(ctx, orderID, models.StatusFailed); err != nil {
			return err
		}
		return tx.AdjustBalance(ctx, userID, lockAsset, lockAmount, neg(lockAmount))
	})
}

// reconcileSuccess credits and debits balances equivalent to a completed
// trade. No Trade record is written: there is no internal counterparty.
func (r *Router) reconcileSuccess(ctx context.Context, order *models.Order, market *models.Market, req RouteRequest, lockAsset string, lockAmount fpdecimal.Decimal, result *external.ExecutionResult) error {
	settled := result.SettledAmount
	total := settled.Mul(result.SettledPrice)

	return r.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if req.Side == models.SideBuy {
			// Release the whole quote lock, spend the settled total, and
			// bank the acquired base.
			if err := tx.AdjustBalance(ctx, req.UserID, market.QuoteAsset, lockAmount.Sub(total), neg(lockAmount)); err != nil {
				return err
			}
			if err := tx.AdjustBalance(ctx, req.UserID, market.BaseAsset, settled, fpdecimal.Zero); err != nil {
				return err
			}
		} else {
			// Release the base lock net of what the venue consumed, and
			// bank the proceeds.
			if err := tx.AdjustBalance(ctx, req.UserID, market.BaseAsset, req.Quantity.Sub(settled), neg(lockAmount)); err != nil {
				return err
			}
			if err := tx.AdjustBalance(ctx, req.UserID, market.QuoteAsset, total, fpdecimal.Zero); err != nil {
				return err
			}
		}
		return tx.ApplyFill(ctx, order.ID, settled, models.StatusFilled)
	})
}
