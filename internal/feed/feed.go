// Package feed publishes the append-only trade stream consumed by
// analytics and UI components.
package feed

import (
	"context"
	"time"

	"github.com/tradecore/exchange/internal/models"
)

// TradeMessage is the wire form of one executed trade. Decimal fields travel
// as strings to keep consumers off float arithmetic.
type TradeMessage struct {
	TradeID     int64     `json:"trade_id"`
	MarketID    string    `json:"market_id"`
	BuyOrderID  int64     `json:"buy_order_id"`
	SellOrderID int64     `json:"sell_order_id"`
	Amount      string    `json:"amount"`
	Price       string    `json:"price"`
	Total       string    `json:"total"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// NewTradeMessage converts a settled trade to its wire form.
func NewTradeMessage(t *models.Trade) *TradeMessage {
	return &TradeMessage{
		TradeID:     t.ID,
		MarketID:    t.MarketID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Amount:      t.Amount.String(),
		Price:       t.Price.String(),
		Total:       t.Total.String(),
		ExecutedAt:  t.ExecutedAt,
	}
}

// Sender delivers trade messages to the feed. Implementations must be safe
// for concurrent use; delivery happens after the settlement transaction has
// committed, never inside it.
type Sender interface {
	SendTrade(ctx context.Context, msg *TradeMessage) error
	Close() error
}
