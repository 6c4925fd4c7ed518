// Package app orchestrates the evaluation loop: scan the state directory,
// fetch prices once per tick, fan records out to the controller, collect
// reports.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trailStopBot/internal/controller"
	"trailStopBot/internal/domain"
	"trailStopBot/internal/metrics"
	"trailStopBot/internal/ports"
	"trailStopBot/internal/registry"
)

// Config holds the service's loop parameters.
type Config struct {
	TickInterval    time.Duration
	EvalConcurrency int
	FetchTimeout    time.Duration
}

// Service drives periodic evaluation of every tracked position.
type Service struct {
	cfg      Config
	logger   ports.Logger
	oracle   ports.PriceOracle
	registry *registry.Manager
	ctrl     *controller.Controller

	// mu protects inFlight, the overlap guard: a record still being
	// processed from a slow tick is skipped by the next one.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService creates a new evaluation service instance.
func NewService(cfg Config, logger ports.Logger, oracle ports.PriceOracle, reg *registry.Manager, ctrl *controller.Controller) (*Service, error) {
	if logger == nil || oracle == nil || reg == nil || ctrl == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive")
	}
	if cfg.EvalConcurrency <= 0 {
		cfg.EvalConcurrency = 8
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Service{
		cfg:      cfg,
		logger:   logger,
		oracle:   oracle,
		registry: reg,
		ctrl:     ctrl,
		inFlight: make(map[string]struct{}),
	}, nil
}

// Run executes ticks at the configured interval until the context is
// canceled or a shutdown signal arrives. The first tick runs immediately.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info(ctx, "Starting evaluation service", map[string]interface{}{
		"tickInterval": s.cfg.TickInterval.String(), "concurrency": s.cfg.EvalConcurrency,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error(ctx, err, "Tick failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logger.Info(ctx, "Evaluation service stopped")
			return ctx.Err()
		}
	}
}

// Tick runs one full evaluation pass: load every record, fetch all needed
// mark prices in one batch, then evaluate records concurrently. A price
// fetch failure does not abort the tick; it is handed to the controller
// per record so failure counters advance.
func (s *Service) Tick(ctx context.Context) ([]*domain.EvaluationReport, error) {
	tickID := uuid.NewString()
	started := time.Now()

	records, err := s.loadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("tick %s: %w", tickID, err)
	}
	metrics.OpenPositions.Set(float64(len(records)))
	if len(records) == 0 {
		return nil, nil
	}

	prices, venueErrs := s.fetchPrices(ctx, records)
	for venue, err := range venueErrs {
		s.logger.Warn(ctx, "Price fetch failed, advancing failure counters", map[string]interface{}{
			"tickId": tickID, "venue": venue, "error": err.Error(),
		})
	}

	reports := make([]*domain.EvaluationReport, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EvalConcurrency)
	for i, rec := range records {
		if !s.acquire(rec) {
			s.logger.Warn(ctx, "Record still in flight from previous tick, skipping", map[string]interface{}{
				"tickId": tickID, "asset": rec.Asset, "strategy": rec.StrategyID,
			})
			continue
		}
		i, rec := i, rec
		g.Go(func() error {
			defer s.release(rec)
			price, perRecErr := s.resolvePrice(rec, prices, venueErrs)
			report := s.ctrl.Process(gctx, rec, price, perRecErr)
			report.TickID = tickID
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("tick %s: %w", tickID, err)
	}

	// Skipped records leave nil holes
	out := reports[:0]
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}

	s.logger.Info(ctx, "Tick complete", map[string]interface{}{
		"tickId": tickID, "records": len(records), "reports": len(out),
		"elapsed": time.Since(started).String(),
	})
	return out, nil
}

// loadAll collects every readable record across all strategy directories.
func (s *Service) loadAll(ctx context.Context) ([]*domain.PositionRecord, error) {
	strategies, err := s.registry.ListStrategies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}

	var records []*domain.PositionRecord
	for _, key := range strategies {
		recs, err := s.registry.ListRecords(ctx, key)
		if err != nil {
			s.logger.Error(ctx, err, "Failed to list strategy records, skipping", map[string]interface{}{"strategy": key})
			continue
		}
		records = append(records, recs...)
	}
	return records, nil
}

// fetchPrices groups the records' distinct bare symbols by venue and makes
// one oracle call per venue, each bounded by the fetch timeout. The result
// is keyed by full asset identifier so one venue's quote can never be
// applied to another venue's position; a failed venue is reported in the
// error map and becomes a per-record fetch error.
func (s *Service) fetchPrices(ctx context.Context, records []*domain.PositionRecord) (map[string]float64, map[string]error) {
	seen := make(map[string]struct{}, len(records))
	byVenue := make(map[string][]string)
	for _, rec := range records {
		venue, sym := rec.Venue(), rec.Symbol()
		key := domain.JoinVenue(venue, sym)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		byVenue[venue] = append(byVenue[venue], sym)
	}

	prices := make(map[string]float64, len(seen))
	venueErrs := make(map[string]error)
	for venue, symbols := range byVenue {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		quotes, err := s.oracle.GetMarkPrices(fetchCtx, venue, symbols)
		cancel()
		if err != nil {
			venueErrs[venue] = err
			continue
		}
		for sym, price := range quotes {
			prices[domain.JoinVenue(venue, sym)] = price
		}
	}
	return prices, venueErrs
}

// resolvePrice maps the batch result onto one record. A failed venue
// fetch, or an asset absent from the result, becomes that record's fetch
// error.
func (s *Service) resolvePrice(rec *domain.PositionRecord, prices map[string]float64, venueErrs map[string]error) (float64, error) {
	if err, ok := venueErrs[rec.Venue()]; ok {
		return 0, err
	}
	price, ok := prices[rec.Asset]
	if !ok {
		return 0, fmt.Errorf("no mark price for %s: %w", rec.Asset, ports.ErrPriceUnavailable)
	}
	return price, nil
}

func recordKey(rec *domain.PositionRecord) string {
	return rec.StrategyID + "/" + rec.Asset
}

func (s *Service) acquire(rec *domain.PositionRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(rec)
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *Service) release(rec *domain.PositionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, recordKey(rec))
}
