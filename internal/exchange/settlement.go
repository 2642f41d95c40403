package exchange

import (
	"context"
	"fmt"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/tradecore/exchange/internal/models"
	"github.com/tradecore/exchange/internal/store"
)

// settle applies one match as a single atomic unit: both order fills, one
// trade record, the four balance legs, and the terminal escrow release when
// the buy order completes. The caller provides the open transaction; if any
// write fails the whole unit rolls back.
//
// The legs move value but never create or destroy it: the buyer's escrowed
// quote pays the seller's available quote, and the seller's escrowed base
// pays the buyer's available base, both for the same fill.
func settle(ctx context.Context, tx store.Tx, market *models.Market, buy, sell *models.Order, amount, price fpdecimal.Decimal) (*models.Trade, error) {
	buyFilled := buy.FilledAmount.Add(amount)
	sellFilled := sell.FilledAmount.Add(amount)
	if buyFilled.GreaterThan(buy.Quantity) || sellFilled.GreaterThan(sell.Quantity) {
		return nil, fmt.Errorf("fill %s exceeds remaining quantity of order %d or %d",
			amount.String(), buy.ID, sell.ID)
	}

	buyStatus := models.StatusForFill(buy.Quantity, buyFilled)
	if err := tx.ApplyFill(ctx, buy.ID, buyFilled, buyStatus); err != nil {
		return nil, err
	}
	if err := tx.ApplyFill(ctx, sell.ID, sellFilled, models.StatusForFill(sell.Quantity, sellFilled)); err != nil {
		return nil, err
	}

	total := amount.Mul(price)
	trade, err := tx.CreateTrade(ctx, &models.Trade{
		MarketID:    market.ID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Amount:      amount,
		Price:       price,
		Total:       total,
	})
	if err != nil {
		return nil, err
	}

	// Buyer: pays total from escrowed quote, receives base.
	if err := tx.AdjustBalance(ctx, buy.UserID, market.QuoteAsset, fpdecimal.Zero, neg(total)); err != nil {
		return nil, err
	}
	if err := tx.AdjustBalance(ctx, buy.UserID, market.BaseAsset, amount, fpdecimal.Zero); err != nil {
		return nil, err
	}
	// Seller: delivers base from escrow, receives quote.
	if err := tx.AdjustBalance(ctx, sell.UserID, market.BaseAsset, fpdecimal.Zero, neg(amount)); err != nil {
		return nil, err
	}
	if err := tx.AdjustBalance(ctx, sell.UserID, market.QuoteAsset, total, fpdecimal.Zero); err != nil {
		return nil, err
	}

	// A buy that filled below its limit price still has leftover escrow
	// (fill × (limit − execution) per fill). The order is terminal now, so
	// release it; nothing else ever touches this lock again.
	if buyStatus == models.StatusFilled {
		_, residual, err := remainingLock(ctx, tx, market, buy)
		if err != nil {
			return nil, err
		}
		if residual.GreaterThan(fpdecimal.Zero) {
			if err := tx.AdjustBalance(ctx, buy.UserID, market.QuoteAsset, residual, neg(residual)); err != nil {
				return nil, err
			}
		}
	}

	return trade, nil
}

// remainingLock computes what is still escrowed for an order. Sells hold
// their unfilled base quantity. Buys hold quantity × limit minus the quote
// their fills already debited, which exceeds remaining × limit whenever a
// fill executed below the limit price.
func remainingLock(ctx context.Context, tx store.Tx, m *models.Market, o *models.Order) (string, fpdecimal.Decimal, error) {
	if o.Side == models.SideSell {
		return m.BaseAsset, o.Remaining(), nil
	}
	spent, err := tx.BuyOrderTotal(ctx, o.ID)
	if err != nil {
		return "", fpdecimal.Zero, err
	}
	return m.QuoteAsset, o.Quantity.Mul(o.Price).Sub(spent), nil
}

func neg(d fpdecimal.Decimal) fpdecimal.Decimal {
	return fpdecimal.Zero.Sub(d)
}
