package models

import (
	"time"

	"github.com/nikolaydubina/fpdecimal"
)

// User represents a registered user
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Market is a trading pair. The quote asset prices the base asset:
// in BTC-USD, base is BTC and quote is USD.
type Market struct {
	ID         string
	BaseAsset  string
	QuoteAsset string
	CreatedAt  time.Time
}

// Side of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType distinguishes priced limit orders from market orders
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// OrderStatus is the order lifecycle state.
//
// open/partial orders rest on the book. executing marks an order handed to an
// external venue whose outcome is not yet known. filled, canceled and failed
// are terminal.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCanceled  OrderStatus = "canceled"
	StatusExecuting OrderStatus = "executing"
	StatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusFailed
}

// CanCancel reports whether a cancel request is a legal transition.
func (s OrderStatus) CanCancel() bool {
	return s == StatusOpen || s == StatusPartial
}

// Matchable reports whether the order may rest on the book.
func (s OrderStatus) Matchable() bool {
	return s == StatusOpen || s == StatusPartial
}

// StatusForFill derives the post-fill status: filled when the whole
// quantity is executed, partial otherwise.
func StatusForFill(quantity, filled fpdecimal.Decimal) OrderStatus {
	if filled.GreaterThanOrEqual(quantity) {
		return StatusFilled
	}
	return StatusPartial
}

// Order represents a buy or sell order in one market.
// Price is zero for market orders.
type Order struct {
	ID           int64
	UserID       int64
	MarketID     string
	Side         Side
	Type         OrderType
	Price        fpdecimal.Decimal
	Quantity     fpdecimal.Decimal
	FilledAmount fpdecimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() fpdecimal.Decimal {
	return o.Quantity.Sub(o.FilledAmount)
}

// Balance holds one user's position in one asset, split into spendable
// and escrowed funds. Rows are created lazily on first reference.
type Balance struct {
	UserID    int64
	Asset     string
	Available fpdecimal.Decimal
	Locked    fpdecimal.Decimal
}

// Total returns available plus locked.
func (b *Balance) Total() fpdecimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Trade records one executed match. Immutable once created.
type Trade struct {
	ID          int64
	MarketID    string
	BuyOrderID  int64
	SellOrderID int64
	Amount      fpdecimal.Decimal
	Price       fpdecimal.Decimal
	Total       fpdecimal.Decimal
	ExecutedAt  time.Time
}
