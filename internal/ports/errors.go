package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrPriceUnavailable     = errors.New("price source did not return a quote")

	// Record Store / Registry Errors
	ErrRecordNotFound  = errors.New("position record not found")
	ErrRecordCorrupt   = errors.New("position record unreadable")
	ErrNoSlotAvailable = errors.New("no position slot available for strategy")
	ErrCleanupBlocked  = errors.New("strategy cleanup blocked by active positions")
	ErrJournalFailed   = errors.New("trade journal write failed")
)
