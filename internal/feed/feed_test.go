package feed

import (
	"context"
	"testing"
	"time"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/tradecore/exchange/internal/models"
)

func TestNewTradeMessage(t *testing.T) {
	amount, _ := fpdecimal.FromString("3")
	price, _ := fpdecimal.FromString("98")
	total, _ := fpdecimal.FromString("294")
	executed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	msg := NewTradeMessage(&models.Trade{
		ID: 7, MarketID: "BTC-USD", BuyOrderID: 1, SellOrderID: 2,
		Amount: amount, Price: price, Total: total, ExecutedAt: executed,
	})

	if msg.TradeID != 7 || msg.MarketID != "BTC-USD" {
		t.Errorf("identity fields wrong: %+v", msg)
	}
	if msg.Amount != amount.String() || msg.Price != price.String() || msg.Total != total.String() {
		t.Errorf("decimal fields must be the String() forms: %+v", msg)
	}
	if !msg.ExecutedAt.Equal(executed) {
		t.Errorf("executed_at = %v, want %v", msg.ExecutedAt, executed)
	}
}

func TestMockSenderRecords(t *testing.T) {
	sender := NewMockSender()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := sender.SendTrade(ctx, &TradeMessage{TradeID: i}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	sent := sender.Sent()
	if len(sent) != 3 {
		t.Fatalf("recorded %d messages, want 3", len(sent))
	}
	for i, msg := range sent {
		if msg.TradeID != int64(i+1) {
			t.Errorf("message %d out of order: %+v", i, msg)
		}
	}
	if err := sender.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
