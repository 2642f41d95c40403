package store

import (
	"context"
	"sync"
	"time"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/tradecore/exchange/internal/models"
)

// Memory is an in-process Store. A single mutex serializes atomic units and
// each unit runs against a deep copy of the state, so a failed unit leaves
// nothing behind. Used by tests and the example binaries; Postgres is the
// production implementation.
type Memory struct {
	mu sync.Mutex
	st *memState
}

type balanceKey struct {
	userID int64
	asset  string
}

type memState struct {
	markets     map[string]*models.Market
	orders      map[int64]*models.Order
	balances    map[balanceKey]*models.Balance
	trades      []*models.Trade
	nextOrderID int64
	nextTradeID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{st: &memState{
		markets:     make(map[string]*models.Market),
		orders:      make(map[int64]*models.Order),
		balances:    make(map[balanceKey]*models.Balance),
		nextOrderID: 1,
		nextTradeID: 1,
	}}
}

func (s *memState) clone() *memState {
	next := &memState{
		markets:     make(map[string]*models.Market, len(s.markets)),
		orders:      make(map[int64]*models.Order, len(s.orders)),
		balances:    make(map[balanceKey]*models.Balance, len(s.balances)),
		trades:      make([]*models.Trade, len(s.trades)),
		nextOrderID: s.nextOrderID,
		nextTradeID: s.nextTradeID,
	}
	for k, v := range s.markets {
		m := *v
		next.markets[k] = &m
	}
	for k, v := range s.orders {
		o := *v
		next.orders[k] = &o
	}
	for k, v := range s.balances {
		b := *v
		next.balances[k] = &b
	}
	copy(next.trades, s.trades) // trades are immutable, sharing is fine
	return next
}

// AddMarket registers a market. Test and seed helper.
func (m *Memory) AddMarket(mk models.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mk.CreatedAt.IsZero() {
		mk.CreatedAt = time.Now()
	}
	m.st.markets[mk.ID] = &mk
}

// Credit adds spendable funds to a (user, asset) balance. Test and seed
// helper standing in for the deposit monitor.
func (m *Memory) Credit(userID int64, asset string, amount fpdecimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.st.balance(userID, asset)
	b.Available = b.Available.Add(amount)
}

func (s *memState) balance(userID int64, asset string) *models.Balance {
	k := balanceKey{userID, asset}
	b, ok := s.balances[k]
	if !ok {
		b = &models.Balance{UserID: userID, Asset: asset}
		s.balances[k] = b
	}
	return b
}

// Atomic runs fn against a copy of the state and swaps it in on success.
func (m *Memory) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.st.clone()
	if err := fn(ctx, &memTx{st: next, now: time.Now()}); err != nil {
		return err
	}
	m.st = next
	return nil
}

// Market implements Store.
func (m *Memory) Market(ctx context.Context, id string) (*models.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.st.markets[id]
	if !ok {
		return nil, models.ErrMarketNotFound
	}
	cp := *mk
	return &cp, nil
}

// Order implements Store.
func (m *Memory) Order(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// BestBid implements Store.
func (m *Memory) BestBid(ctx context.Context, marketID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.best(marketID, models.SideBuy), nil
}

// BestAsk implements Store.
func (m *Memory) BestAsk(ctx context.Context, marketID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.best(marketID, models.SideSell), nil
}

// Balance implements Store.
func (m *Memory) Balance(ctx context.Context, userID int64, asset string) (*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.st.balances[balanceKey{userID, asset}]
	if !ok {
		return &models.Balance{UserID: userID, Asset: asset}, nil
	}
	cp := *b
	return &cp, nil
}

// UserOrders returns all of a user's orders, newest first.
func (m *Memory) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.st.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sortOrdersNewestFirst(out)
	return out, nil
}

// UserTrades returns trades touching any of the user's orders.
func (m *Memory) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trade
	for _, t := range m.st.trades {
		buy, sell := m.st.orders[t.BuyOrderID], m.st.orders[t.SellOrderID]
		if (buy != nil && buy.UserID == userID) || (sell != nil && sell.UserID == userID) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// UserBalances returns every balance row for the user.
func (m *Memory) UserBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Balance
	for _, b := range m.st.balances {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func sortOrdersNewestFirst(orders []models.Order) {
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j].CreatedAt.After(orders[j-1].CreatedAt); j-- {
			orders[j], orders[j-1] = orders[j-1], orders[j]
		}
	}
}

// best picks the top-of-book order: highest price for bids, lowest for asks,
// earliest created_at on price ties, then lowest id.
func (s *memState) best(marketID string, side models.Side) *models.Order {
	var best *models.Order
	for _, o := range s.orders {
		if o.MarketID != marketID || o.Side != side || !o.Status.Matchable() {
			continue
		}
		if best == nil || better(o, best, side) {
			best = o
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func better(a, b *models.Order, side models.Side) bool {
	if !a.Price.Equal(b.Price) {
		if side == models.SideBuy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// memTx mutates the cloned state directly; the caller discards the clone on
// error.
type memTx struct {
	st  *memState
	now time.Time
}

func (t *memTx) Market(ctx context.Context, id string) (*models.Market, error) {
	mk, ok := t.st.markets[id]
	if !ok {
		return nil, models.ErrMarketNotFound
	}
	cp := *mk
	return &cp, nil
}

func (t *memTx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) BestBid(ctx context.Context, marketID string) (*models.Order, error) {
	return t.st.best(marketID, models.SideBuy), nil
}

func (t *memTx) BestAsk(ctx context.Context, marketID string) (*models.Order, error) {
	return t.st.best(marketID, models.SideSell), nil
}

func (t *memTx) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	cp := *o
	cp.ID = t.st.nextOrderID
	t.st.nextOrderID++
	cp.CreatedAt = t.now
	cp.UpdatedAt = t.now
	t.st.orders[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (t *memTx) ApplyFill(ctx context.Context, orderID int64, filled fpdecimal.Decimal, status models.OrderStatus) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	o.FilledAmount = filled
	o.Status = status
	o.UpdatedAt = t.now
	return nil
}

func (t *memTx) SetOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = t.now
	return nil
}

func (t *memTx) CreateTrade(ctx context.Context, tr *models.Trade) (*models.Trade, error) {
	cp := *tr
	cp.ID = t.st.nextTradeID
	t.st.nextTradeID++
	cp.ExecutedAt = t.now
	t.st.trades = append(t.st.trades, &cp)
	out := cp
	return &out, nil
}

func (t *memTx) BuyOrderTotal(ctx context.Context, orderID int64) (fpdecimal.Decimal, error) {
	sum := fpdecimal.Zero
	for _, tr := range t.st.trades {
		if tr.BuyOrderID == orderID {
			sum = sum.Add(tr.Total)
		}
	}
	return sum, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, userID int64, asset string, availableDelta, lockedDelta fpdecimal.Decimal) error {
	b := t.st.balance(userID, asset)
	available := b.Available.Add(availableDelta)
	locked := b.Locked.Add(lockedDelta)
	if available.LessThan(fpdecimal.Zero) || locked.LessThan(fpdecimal.Zero) {
		return models.ErrInsufficientFunds
	}
	b.Available = available
	b.Locked = locked
	return nil
}

var _ Store = (*Memory)(nil)
var _ Tx = (*memTx)(nil)
