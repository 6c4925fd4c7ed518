// Package binanceclient adapts Binance USD-M futures to the engine's price
// oracle and order ports.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trailStopBot/internal/domain"
	"trailStopBot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements ports.PriceOracle and ports.OrderClient using the
// go-binance library. One client holds one account's credentials; the
// wallet reference passed to CloseAtMarket is checked against it.
type Client struct {
	futuresClient *futures.Client
	wallet        string
	logger        ports.Logger
	callTimeout   time.Duration
}

// Config holds configuration specific to the Binance adapter.
type Config struct {
	APIKey      string
	SecretKey   string
	Wallet      string // account reference this client's keys belong to
	UseTestnet  bool
	Logger      ports.Logger
	CallTimeout time.Duration // per-request bound, default 10s
}

// New creates a new Binance adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		futuresClient: client,
		wallet:        cfg.Wallet,
		logger:        cfg.Logger,
		callTimeout:   timeout,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -2014, -2015: // API-key format invalid / key, IP or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2011, -2013: // Cancel rejected / order does not exist
			mappedErr = ports.ErrPositionNotFound
		case -2022: // ReduceOnly order rejected: nothing left to reduce
			mappedErr = ports.ErrPositionNotFound
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetMarkPrices retrieves mark prices for the given bare symbols in one
// premium-index call. This client quotes only the primary (empty) venue;
// any other venue yields an error rather than a primary-venue price.
// Symbols the exchange did not return are simply absent from the result.
func (c *Client) GetMarkPrices(ctx context.Context, venue string, symbols []string) (map[string]float64, error) {
	op := "GetMarkPrices"
	if venue != "" {
		return nil, fmt.Errorf("%s: no quote source for venue %q: %w", op, venue, ports.ErrPriceUnavailable)
	}
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	// The unfiltered premium-index endpoint returns every symbol in one
	// request, which bounds external call volume to one per tick.
	tickers, err := c.futuresClient.NewPremiumIndexService().Do(callCtx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}

	prices := make(map[string]float64, len(symbols))
	for _, ticker := range tickers {
		if _, ok := wanted[ticker.Symbol]; !ok {
			continue
		}
		price, err := strconv.ParseFloat(ticker.MarkPrice, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse price '%s' for %s: %w", ticker.MarkPrice, ticker.Symbol, err)
			return nil, c.handleError(ctx, parseErr, op)
		}
		prices[ticker.Symbol] = price
	}

	c.logger.Debug(ctx, op+" successful", map[string]interface{}{
		"requested": len(symbols), "returned": len(prices),
	})
	return prices, nil
}

// CloseAtMarket flattens the position with a reduce-only market order on
// the opposite side. A "position/order not found" class response means the
// position was already closed externally and is reported as such, not as
// an error.
func (c *Client) CloseAtMarket(ctx context.Context, wallet, symbol string, direction domain.Direction, size float64) (*ports.CloseResult, error) {
	op := "CloseAtMarket"
	if c.wallet != "" && wallet != "" && wallet != c.wallet {
		return nil, fmt.Errorf("%s: wallet %q does not match client account %q: %w", op, wallet, c.wallet, ports.ErrInvalidRequest)
	}

	side := futures.SideTypeSell
	if direction == domain.Short {
		side = futures.SideTypeBuy
	}
	quantity := strconv.FormatFloat(size, 'f', -1, 64)

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(callCtx)
	if err != nil {
		mapped := c.handleError(ctx, err, op)
		if errors.Is(mapped, ports.ErrPositionNotFound) {
			c.logger.Info(ctx, op+": position already closed externally", map[string]interface{}{"symbol": symbol})
			return &ports.CloseResult{Success: true, AlreadyClosed: true}, nil
		}
		return nil, mapped
	}

	avgPrice, parseErr := strconv.ParseFloat(order.AvgPrice, 64)
	if parseErr != nil {
		avgPrice = 0 // caller falls back to the evaluation price
	}

	c.logger.Info(ctx, op+": close order filled", map[string]interface{}{
		"symbol": symbol, "orderID": order.OrderID, "avgPrice": order.AvgPrice,
	})
	return &ports.CloseResult{
		Success:  true,
		OrderID:  order.OrderID,
		AvgPrice: avgPrice,
	}, nil
}

// Ping checks connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}
