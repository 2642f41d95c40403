// Package kafka implements the trade feed on a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tradecore/exchange/internal/feed"
)

// Sender writes trade messages to a Kafka topic, keyed by market so one
// market's trades stay ordered within a partition.
type Sender struct {
	writer *kafka.Writer
}

// NewSender creates a Kafka-backed feed sender.
func NewSender(brokerAddr, topic string) *Sender {
	return &Sender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokerAddr),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// SendTrade publishes one trade message.
func (s *Sender) SendTrade(ctx context.Context, msg *feed.TradeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal trade message: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.MarketID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "trade_id", Value: []byte(strconv.FormatInt(msg.TradeID, 10))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write trade message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *Sender) Close() error {
	return s.writer.Close()
}

var _ feed.Sender = (*Sender)(nil)
