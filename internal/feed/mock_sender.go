package feed

import (
	"context"
	"sync"
)

// MockSender records trade messages in memory for tests.
type MockSender struct {
	mu   sync.Mutex
	sent []TradeMessage
}

// NewMockSender creates a new MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// SendTrade records the message.
func (m *MockSender) SendTrade(ctx context.Context, msg *TradeMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *msg)
	return nil
}

// Sent returns a copy of everything recorded so far.
func (m *MockSender) Sent() []TradeMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TradeMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Close does nothing.
func (m *MockSender) Close() error {
	return nil
}

var _ Sender = (*MockSender)(nil)
