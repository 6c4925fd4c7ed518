package main

import (
	"context"
	"errors"
	"fmt"
	"log" // Use standard log only for fatal errors before/outside the logger
	"net/http"

	"trailStopBot/config"
	"trailStopBot/internal/adapters/binanceclient"
	"trailStopBot/internal/adapters/filestore"
	"trailStopBot/internal/adapters/logger"
	"trailStopBot/internal/adapters/sqlite"
	"trailStopBot/internal/app"
	"trailStopBot/internal/controller"
	"trailStopBot/internal/metrics"
	"trailStopBot/internal/registry"
)

func main() {
	// Single fatal exit point so deferred cleanups inside run always fire.
	if err := run(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func run() error {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Trade Journal
	journal, err := sqlite.NewJournal(sqlite.Config{
		DBPath: cfg.JournalDBPath,
		Logger: appLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize trade journal: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing trade journal")
		}
	}()

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:      cfg.APIKey,
		SecretKey:   cfg.SecretKey,
		Wallet:      cfg.Wallet,
		UseTestnet:  cfg.IsTestnet,
		Logger:      appLogger,
		CallTimeout: cfg.FetchTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Binance client: %w", err)
	}

	// 5. Initialize Record Store and Registry
	store, err := filestore.New(filestore.Config{Logger: appLogger})
	if err != nil {
		return fmt.Errorf("failed to initialize record store: %w", err)
	}
	reg, err := registry.New(registry.Config{
		StateRoot:    cfg.StateRoot,
		MaxPositions: cfg.MaxPositionsPerStrategy,
		Store:        store,
		Logger:       appLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	// 6. Initialize Controller
	ctrl, err := controller.New(binanceClient, reg, journal, appLogger, controller.Defaults{
		BreachDecay:      cfg.BreachDecay,
		CloseRetries:     cfg.CloseRetries,
		CloseRetryDelay:  cfg.CloseRetryDelay,
		MaxFetchFailures: cfg.MaxFetchFailures,
		CloseTimeout:     cfg.CloseTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}

	// 7. Initialize Evaluation Service
	svc, err := app.NewService(app.Config{
		TickInterval:    cfg.TickInterval,
		EvalConcurrency: cfg.EvalConcurrency,
		FetchTimeout:    cfg.FetchTimeout,
	}, appLogger, binanceClient, reg, ctrl)
	if err != nil {
		return fmt.Errorf("failed to initialize evaluation service: %w", err)
	}

	// 8. Optional metrics endpoint
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			appLogger.Info(context.Background(), "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(context.Background(), err, "Metrics endpoint failed")
			}
		}()
	}

	// 9. Run
	if err := svc.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error(context.Background(), err, "Evaluation service exited with error")
		return fmt.Errorf("evaluation service exited with error: %w", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
	return nil
}
