// Package external talks to the off-book liquidity venue. The engine only
// depends on the two interfaces here; the HTTP client is one implementation.
package external

import (
	"context"

	"github.com/nikolaydubina/fpdecimal"
)

// QuoteProvider answers price discovery: for swapping amount of fromAsset
// into toAsset, what is the implied unit price (in fromAsset per toAsset)?
type QuoteProvider interface {
	Quote(ctx context.Context, fromAsset, toAsset string, amount fpdecimal.Decimal) (fpdecimal.Decimal, error)
}

// SwapQuote is the input to building an executable swap.
type SwapQuote struct {
	FromAsset string
	ToAsset   string
	Amount    fpdecimal.Decimal
	Price     fpdecimal.Decimal
}

// SwapTx is a built, signable swap transaction held by the venue.
type SwapTx struct {
	Ref       string
	FromAsset string
	ToAsset   string
	Amount    fpdecimal.Decimal
	Payload   string
}

// ExecutionResult reports what the venue actually settled.
type ExecutionResult struct {
	SettledAmount fpdecimal.Decimal
	SettledPrice  fpdecimal.Decimal
}

// SwapExecutor builds and broadcasts swap transactions. Both calls are
// I/O-bound; callers must not hold an open store transaction across them.
type SwapExecutor interface {
	Build(ctx context.Context, quote SwapQuote) (*SwapTx, error)
	Execute(ctx context.Context, tx *SwapTx) (*ExecutionResult, error)
}
