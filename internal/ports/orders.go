package ports

import (
	"context"

	"trailStopBot/internal/domain"
)

// CloseResult reports the outcome of a market close request.
type CloseResult struct {
	Success       bool    // the position is flat after this call
	AlreadyClosed bool    // the exchange reported no open position (idempotent close)
	OrderID       int64   // exchange order ID when an order was placed
	AvgPrice      float64 // average filled price (0 if unknown)
}

// OrderClient closes positions at market. Implementations must map the
// exchange's "no position/order found" responses to AlreadyClosed rather
// than returning an error, so a close is safe to repeat.
type OrderClient interface {
	// CloseAtMarket flattens the full position for the given wallet and
	// bare symbol with a reduce-only market order.
	CloseAtMarket(ctx context.Context, wallet, symbol string, direction domain.Direction, size float64) (*CloseResult, error)
}
