package models

import "errors"

// Error taxonomy. Validation and state errors are rejected before any
// mutation; ErrTxConflict is returned only after bounded local retries.
var (
	ErrInvalidQuantity        = errors.New("quantity must be positive")
	ErrInvalidPrice           = errors.New("price must be positive")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrNoLiquidity            = errors.New("no liquidity on either venue")
	ErrOrderNotFound          = errors.New("order not found")
	ErrMarketNotFound         = errors.New("market not found")
	ErrNotOwner               = errors.New("order not owned by user")
	ErrInvalidStateTransition = errors.New("invalid order state transition")
	ErrTxConflict             = errors.New("transaction conflict, retries exhausted")
)
