package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"trailStopBot/internal/adapters/logger"
	"trailStopBot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool
	Wallet    string // account reference used in position records

	// State store
	StateRoot               string
	MaxPositionsPerStrategy int

	// Trade journal
	JournalDBPath string

	// Evaluation loop
	TickInterval    time.Duration
	EvalConcurrency int
	FetchTimeout    time.Duration

	// Close resilience defaults (per-record config overrides these)
	CloseRetries     int
	CloseRetryDelay  time.Duration
	CloseTimeout     time.Duration
	MaxFetchFailures int
	BreachDecay      domain.BreachDecay

	// Logging
	LogLevel  zerolog.Level
	LogFormat string

	// Metrics endpoint; empty disables it
	MetricsAddr string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.Wallet = getEnv("WALLET", "default")

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// State store
	cfg.StateRoot = getEnv("STATE_ROOT", "./data/positions")
	if cfg.StateRoot == "" {
		errs = append(errs, "STATE_ROOT must be set")
	}

	cfg.MaxPositionsPerStrategy, err = getEnvAsIntRequired("MAX_POSITIONS_PER_STRATEGY", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITIONS_PER_STRATEGY: %v", err))
	} else if cfg.MaxPositionsPerStrategy <= 0 {
		errs = append(errs, "MAX_POSITIONS_PER_STRATEGY must be positive")
	}

	// Trade journal
	cfg.JournalDBPath = getEnv("JOURNAL_DB_PATH", "./data/trades.db")

	// Evaluation loop
	tickSeconds, err := getEnvAsIntRequired("TICK_INTERVAL_SECONDS", 60)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TICK_INTERVAL_SECONDS: %v", err))
	} else if tickSeconds <= 0 {
		errs = append(errs, "TICK_INTERVAL_SECONDS must be positive")
	}
	cfg.TickInterval = time.Duration(tickSeconds) * time.Second

	cfg.EvalConcurrency, err = getEnvAsIntRequired("EVAL_CONCURRENCY", 8)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EVAL_CONCURRENCY: %v", err))
	} else if cfg.EvalConcurrency <= 0 {
		errs = append(errs, "EVAL_CONCURRENCY must be positive")
	}

	fetchTimeoutSeconds := getEnvAsInt("FETCH_TIMEOUT_SECONDS", 10)
	if fetchTimeoutSeconds <= 0 {
		errs = append(errs, "FETCH_TIMEOUT_SECONDS must be positive")
	}
	cfg.FetchTimeout = time.Duration(fetchTimeoutSeconds) * time.Second

	// Close resilience defaults
	cfg.CloseRetries, err = getEnvAsIntRequired("CLOSE_RETRIES", 2)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid CLOSE_RETRIES: %v", err))
	} else if cfg.CloseRetries < 0 {
		errs = append(errs, "CLOSE_RETRIES cannot be negative")
	}

	retryDelaySeconds, err := getEnvAsIntRequired("CLOSE_RETRY_DELAY_SECONDS", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid CLOSE_RETRY_DELAY_SECONDS: %v", err))
	} else if retryDelaySeconds < 0 {
		errs = append(errs, "CLOSE_RETRY_DELAY_SECONDS cannot be negative")
	}
	cfg.CloseRetryDelay = time.Duration(retryDelaySeconds) * time.Second

	closeTimeoutSeconds := getEnvAsInt("CLOSE_TIMEOUT_SECONDS", 15)
	if closeTimeoutSeconds <= 0 {
		errs = append(errs, "CLOSE_TIMEOUT_SECONDS must be positive")
	}
	cfg.CloseTimeout = time.Duration(closeTimeoutSeconds) * time.Second

	cfg.MaxFetchFailures, err = getEnvAsIntRequired("MAX_FETCH_FAILURES", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_FETCH_FAILURES: %v", err))
	} else if cfg.MaxFetchFailures <= 0 {
		errs = append(errs, "MAX_FETCH_FAILURES must be positive")
	}

	cfg.BreachDecay = domain.ParseBreachDecay(getEnv("BREACH_DECAY", "hard"))

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	// Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
