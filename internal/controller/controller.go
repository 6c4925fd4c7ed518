// Package controller wraps the tier/phase engine's close decision with
// execution discipline: bounded close retries, fetch-failure counters, and
// the auto-deactivation threshold. Failures surface as structured report
// fields, never as panics, so one position can never take down a tick.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trailStopBot/internal/domain"
	"trailStopBot/internal/engine"
	"trailStopBot/internal/metrics"
	"trailStopBot/internal/ports"
	"trailStopBot/internal/registry"
)

// Defaults are the installation-level resilience knobs. Per-record config
// overrides them when set.
type Defaults struct {
	BreachDecay      domain.BreachDecay
	CloseRetries     int
	CloseRetryDelay  time.Duration
	MaxFetchFailures int
	CloseTimeout     time.Duration
}

// Controller evaluates one position per call and executes any resulting
// close decision.
type Controller struct {
	orders   ports.OrderClient
	registry *registry.Manager
	journal  ports.TradeJournal // optional; nil disables journaling
	logger   ports.Logger
	defaults Defaults

	// now is swappable for tests.
	now func() time.Time
	// sleep is swappable for tests; used between close retries.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a controller. The journal may be nil.
func New(orders ports.OrderClient, reg *registry.Manager, journal ports.TradeJournal, logger ports.Logger, defaults Defaults) (*Controller, error) {
	if orders == nil || reg == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for controller")
	}
	if defaults.CloseRetries < 0 {
		return nil, fmt.Errorf("close retries cannot be negative")
	}
	if defaults.MaxFetchFailures <= 0 {
		return nil, fmt.Errorf("max fetch failures must be positive")
	}
	return &Controller{
		orders:   orders,
		registry: reg,
		journal:  journal,
		logger:   logger,
		defaults: defaults,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs one evaluation tick for a single position record. price is
// ignored when fetchErr is non-nil. The returned report is always non-nil;
// the record has been persisted (or deleted, when closed) on return.
func (c *Controller) Process(ctx context.Context, rec *domain.PositionRecord, price float64, fetchErr error) *domain.EvaluationReport {
	now := c.now()
	report := &domain.EvaluationReport{
		Status:    domain.StatusActive,
		Asset:     rec.Asset,
		Strategy:  rec.StrategyID,
		Direction: rec.Direction,
		TierIndex: rec.CurrentTierIndex,
		Time:      now,
	}

	if !rec.Active {
		report.Status = domain.StatusInactive
		return report
	}

	if fetchErr != nil {
		return c.handleFetchFailure(ctx, rec, fetchErr, report)
	}
	rec.ConsecutiveFetchFailures = 0

	report.Price = price

	// A close that exhausted its retries on an earlier tick is retried
	// before any fresh evaluation.
	if rec.PendingClose {
		return c.retryPendingClose(ctx, rec, price, report)
	}

	// Resolve the decay mode for this tick only; the installation default
	// is never written back into the record.
	recDecay := rec.BreachDecay
	if recDecay == "" {
		rec.BreachDecay = c.defaults.BreachDecay
	}
	decision := engine.Evaluate(rec, price, now)
	rec.BreachDecay = recDecay
	metrics.Evaluations.Inc()

	report.UPnL = decision.UPnL
	report.UPnLPct = decision.ROE
	report.Phase = rec.Phase
	report.TierIndex = rec.CurrentTierIndex
	report.TierChanged = decision.TierChanged
	report.PreviousTier = decision.PreviousTier
	report.HighWaterPrice = rec.HighWaterPrice
	report.TierFloorPrice = rec.TierFloorPrice
	report.FloorPrice = rec.FloorPrice
	report.Breached = decision.Breached
	report.BreachCount = rec.CurrentBreachCount
	report.ShouldClose = decision.ShouldClose
	report.CloseReason = decision.CloseReason

	if decision.Breached {
		metrics.Breaches.Inc()
	}
	if decision.TierChanged {
		c.logger.Info(ctx, "Tier advanced", map[string]interface{}{
			"asset": rec.Asset, "strategy": rec.StrategyID,
			"from": decision.PreviousTier, "to": rec.CurrentTierIndex,
			"floor": rec.FloorPrice,
		})
	}

	if decision.ShouldClose {
		c.executeClose(ctx, rec, price, decision.CloseReason, report)
	}

	c.persist(ctx, rec, report)
	return report
}

// handleFetchFailure increments the failure counter and skips evaluation;
// at the threshold the position is force-deactivated and surfaced as an
// operator-attention error.
func (c *Controller) handleFetchFailure(ctx context.Context, rec *domain.PositionRecord, fetchErr error, report *domain.EvaluationReport) *domain.EvaluationReport {
	rec.ConsecutiveFetchFailures++
	rec.UpdatedAt = c.now()
	report.ConsecutiveFailures = rec.ConsecutiveFetchFailures
	report.Error = fetchErr.Error()
	metrics.FetchFailures.Inc()

	maxFailures := c.defaults.MaxFetchFailures
	if rec.MaxFetchFailures > 0 {
		maxFailures = rec.MaxFetchFailures
	}

	if rec.ConsecutiveFetchFailures >= maxFailures {
		// Terminal: no price to evaluate against, so no close is
		// attempted. The record goes inactive and is removed.
		rec.Active = false
		rec.CloseReason = domain.CloseReasonFetchFailure
		report.Status = domain.StatusError
		report.CloseReason = domain.CloseReasonFetchFailure
		metrics.ForcedDeactivations.Inc()
		c.logger.Error(ctx, fetchErr, "Force-deactivating position after repeated fetch failures", map[string]interface{}{
			"asset": rec.Asset, "strategy": rec.StrategyID,
			"failures": rec.ConsecutiveFetchFailures, "max": maxFailures,
		})
		if err := c.registry.RemoveRecord(ctx, rec); err != nil {
			c.logger.Error(ctx, err, "Failed to remove force-deactivated record", map[string]interface{}{
				"asset": rec.Asset, "strategy": rec.StrategyID,
			})
			report.Error = err.Error()
		}
		return report
	}

	report.Status = domain.StatusFetchFailed
	c.logger.Warn(ctx, "Price fetch failed, skipping evaluation", map[string]interface{}{
		"asset": rec.Asset, "strategy": rec.StrategyID,
		"failures": rec.ConsecutiveFetchFailures, "max": maxFailures,
	})
	c.persist(ctx, rec, report)
	return report
}

func (c *Controller) retryPendingClose(ctx context.Context, rec *domain.PositionRecord, price float64, report *domain.EvaluationReport) *domain.EvaluationReport {
	report.ShouldClose = true
	report.CloseReason = rec.CloseReason
	report.Phase = rec.Phase
	report.FloorPrice = rec.FloorPrice
	report.UPnL = rec.UnrealizedPnL(price)
	report.UPnLPct = rec.ROE(price)
	c.logger.Warn(ctx, "Retrying close pending from an earlier tick", map[string]interface{}{
		"asset": rec.Asset, "strategy": rec.StrategyID, "attempts": rec.CloseAttempts,
	})
	c.executeClose(ctx, rec, price, rec.CloseReason, report)
	c.persist(ctx, rec, report)
	return report
}

// executeClose calls the order adapter with bounded, fixed-delay retries.
// "Position already closed" responses count as success. When all attempts
// fail the record is flagged pendingClose and the next tick retries.
func (c *Controller) executeClose(ctx context.Context, rec *domain.PositionRecord, price float64, reason domain.CloseReason, report *domain.EvaluationReport) {
	retries := c.defaults.CloseRetries
	if rec.CloseRetries > 0 {
		retries = rec.CloseRetries
	}
	delay := c.defaults.CloseRetryDelay
	if rec.CloseRetryDelaySeconds > 0 {
		delay = time.Duration(rec.CloseRetryDelaySeconds) * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		rec.CloseAttempts++

		callCtx := ctx
		var cancel context.CancelFunc
		if c.defaults.CloseTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.defaults.CloseTimeout)
		}
		result, err := c.orders.CloseAtMarket(callCtx, rec.Wallet, rec.Symbol(), rec.Direction, rec.Size)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, ports.ErrPositionNotFound) {
				result = &ports.CloseResult{Success: true, AlreadyClosed: true}
			} else {
				lastErr = err
				c.logger.Warn(ctx, "Close attempt failed", map[string]interface{}{
					"asset": rec.Asset, "strategy": rec.StrategyID,
					"attempt": attempt + 1, "maxAttempts": retries + 1, "error": err.Error(),
				})
				continue
			}
		}

		closePrice := price
		if result.AvgPrice > 0 {
			closePrice = result.AvgPrice
		}
		c.finalizeClose(ctx, rec, closePrice, reason, result, report)
		return
	}

	rec.PendingClose = true
	report.Status = domain.StatusPendingClose
	if lastErr != nil {
		report.CloseResult = fmt.Sprintf("close failed after %d attempts: %v", rec.CloseAttempts, lastErr)
	}
	c.logger.Error(ctx, lastErr, "Close retries exhausted, flagged for retry next tick", map[string]interface{}{
		"asset": rec.Asset, "strategy": rec.StrategyID, "attempts": rec.CloseAttempts,
	})
}

func (c *Controller) finalizeClose(ctx context.Context, rec *domain.PositionRecord, closePrice float64, reason domain.CloseReason, result *ports.CloseResult, report *domain.EvaluationReport) {
	rec.Active = false
	rec.PendingClose = false
	rec.CloseReason = reason
	rec.ClosePrice = closePrice
	rec.UpdatedAt = c.now()

	report.Closed = true
	report.Status = domain.StatusInactive
	report.CloseReason = reason
	if result.AlreadyClosed {
		report.CloseResult = "already closed externally"
	} else {
		report.CloseResult = fmt.Sprintf("closed at market, order %d", result.OrderID)
	}
	metrics.Closes.WithLabelValues(string(reason)).Inc()

	c.logger.Info(ctx, "Position closed", map[string]interface{}{
		"asset": rec.Asset, "strategy": rec.StrategyID, "reason": reason,
		"price": closePrice, "alreadyClosed": result.AlreadyClosed,
	})

	if c.journal != nil {
		trade := &domain.ClosedTrade{
			Asset:      rec.Asset,
			StrategyID: rec.StrategyID,
			Direction:  rec.Direction,
			EntryPrice: rec.EntryPrice,
			ExitPrice:  closePrice,
			Size:       rec.Size,
			Leverage:   rec.Leverage,
			PNL:        rec.UnrealizedPnL(closePrice),
			ROE:        rec.ROE(closePrice),
			Reason:     reason,
			OpenedAt:   rec.CreatedAt,
			ClosedAt:   rec.UpdatedAt,
		}
		if _, err := c.journal.RecordClose(ctx, trade); err != nil {
			// Journal failures never block a close.
			c.logger.Error(ctx, err, "Failed to journal closed trade", map[string]interface{}{
				"asset": rec.Asset, "strategy": rec.StrategyID,
			})
		}
	}

	if err := c.registry.RemoveRecord(ctx, rec); err != nil {
		c.logger.Error(ctx, err, "Failed to remove closed position record", map[string]interface{}{
			"asset": rec.Asset, "strategy": rec.StrategyID,
		})
		report.Error = err.Error()
	}
}

// persist saves the record unless the close path already deleted it.
func (c *Controller) persist(ctx context.Context, rec *domain.PositionRecord, report *domain.EvaluationReport) {
	if !rec.Active && !rec.PendingClose {
		return
	}
	if err := c.registry.SaveRecord(ctx, rec); err != nil {
		report.Error = err.Error()
		c.logger.Error(ctx, err, "Failed to persist position record", map[string]interface{}{
			"asset": rec.Asset, "strategy": rec.StrategyID,
		})
	}
}
