package ports

import "context"

// PriceOracle fetches current mark prices from an external quote source.
// This abstraction allows decoupling the evaluation core from specific
// exchange implementations.
type PriceOracle interface {
	// GetMarkPrices retrieves current mark prices for the given bare
	// symbols on one venue in one batched call. The empty venue is the
	// primary one; implementations must return an error wrapping
	// ErrPriceUnavailable for venues they have no quote source for, never
	// another venue's prices. The returned map is keyed by bare symbol; a
	// symbol missing from the result means the source had no quote for it.
	GetMarkPrices(ctx context.Context, venue string, symbols []string) (map[string]float64, error)
}
