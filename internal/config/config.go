package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/types"
)

// Config holds all configuration for the engine
type Config struct {
	// Mode
	TradingMode types.Mode
	Debug       bool

	// Instruments
	Symbols []string // e.g. BTC,ETH,SOL

	// Database: sqlite path or postgres:// URL
	DatabaseURL string

	// Exchange API
	ExchangeBaseURL    string
	ExchangeDataURL    string // market metadata (event/market discovery)
	ExchangeBookWSURL  string // order book stream
	ExchangeAPIKey     string
	ExchangeAPISecret  string
	ExchangePassphrase string
	ExchangeTimeout    time.Duration
	ExchangeRateLimit  float64 // requests per second
	ExchangeBurst      int

	// Order manager
	PerOrderCapUSD       decimal.Decimal // hard per-order cap
	WindowOrderCap       int             // max non-rejected orders per (window, token)
	ConfirmPollInterval  time.Duration
	ConfirmPollBudget    time.Duration
	MaxInflightOrders    int           // concurrent executions before signals are shed
	UnknownSweepInterval time.Duration // how often parked UNKNOWN orders are re-queried

	// Primary oracle (on-chain aggregator via JSON-RPC)
	OracleRPCURL       string
	OracleRPCTimeout   time.Duration
	OraclePollInterval time.Duration
	OracleFreshness    time.Duration // staleness threshold for priority ranking

	// Auxiliary oracle (HTTPS polled)
	AuxOracleURL          string
	AuxOracleAPIKey       string
	AuxOraclePollInterval time.Duration

	// Exchange ticker feeds: name=wss://... pairs
	FeedSources map[string]string

	// Reference-price resolution
	ResolverMaxStale time.Duration // how long the last resolved value may be served

	// Window lifecycle
	WindowSeconds       int64
	WindowCheckInterval time.Duration

	// Strategy runner
	ActiveStrategy    string
	StrategyPoolSize  int
	StrategyQueueSize int
	TickBuildInterval time.Duration

	// Position manager
	TrailingActivatePct decimal.Decimal // PnL% that arms the trailing stop
	TrailingPct         decimal.Decimal // distance below high-water mark
	ProfitFloorPct      decimal.Decimal // floor above entry once trailing
	StopLossPct         decimal.Decimal // hard stop as PnL%
	ReversalThreshold   decimal.Decimal // PnL% required to flip sides

	// Control surface defaults
	MaxPositionUSD     decimal.Decimal
	MaxSessionLoss     decimal.Decimal
	AllowedInstruments string // csv or *
	AllowedStrategies  string // csv or *

	// Mode plumbing for simulated fills
	PaperPositions  bool // PAPER fills enter the position lifecycle
	DryRunPositions bool // DRY_RUN fills enter the position lifecycle

	// UI server
	ServerAddr     string
	AllowedOrigins []string
	StateInterval  time.Duration // cadence of full-state broadcasts

	// Telegram (optional; bot disabled when token missing)
	TelegramToken  string
	TelegramChatID int64

	// Persistence sampling
	TickSampleInterval time.Duration

	// Shutdown
	ShutdownGrace time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	mode, ok := types.ParseMode(getEnv("TRADING_MODE", "PAPER"))
	if !ok {
		return nil, fmt.Errorf("invalid TRADING_MODE: %s", os.Getenv("TRADING_MODE"))
	}

	cfg := &Config{
		TradingMode: mode,
		Debug:       getEnvBool("DEBUG", false),

		Symbols: splitCSV(getEnv("TRADING_SYMBOLS", "BTC")),

		DatabaseURL: getEnv("DATABASE_URL", "data/updown.db"),

		ExchangeBaseURL:    getEnv("EXCHANGE_API_URL", "https://clob.polymarket.com"),
		ExchangeDataURL:    getEnv("EXCHANGE_DATA_URL", "https://gamma-api.polymarket.com"),
		ExchangeBookWSURL:  getEnv("EXCHANGE_BOOK_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		ExchangeAPIKey:     os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret:  os.Getenv("EXCHANGE_API_SECRET"),
		ExchangePassphrase: os.Getenv("EXCHANGE_PASSPHRASE"),
		ExchangeTimeout:    getEnvDuration("EXCHANGE_TIMEOUT", 5*time.Second),
		ExchangeRateLimit:  getEnvFloat("EXCHANGE_RATE_LIMIT", 10),
		ExchangeBurst:      getEnvInt("EXCHANGE_BURST", 20),

		PerOrderCapUSD:       getEnvDecimal("PER_ORDER_CAP_USD", decimal.NewFromInt(5)),
		WindowOrderCap:       getEnvInt("WINDOW_ORDER_CAP", 2),
		ConfirmPollInterval:  getEnvDuration("CONFIRM_POLL_INTERVAL", time.Second),
		ConfirmPollBudget:    getEnvDuration("CONFIRM_POLL_BUDGET", 5*time.Second),
		MaxInflightOrders:    getEnvInt("EXEC_MAX_INFLIGHT", 8),
		UnknownSweepInterval: getEnvDuration("UNKNOWN_SWEEP_INTERVAL", 30*time.Second),

		OracleRPCURL:       getEnv("ORACLE_RPC_URL", "https://polygon-rpc.com"),
		OracleRPCTimeout:   getEnvDuration("ORACLE_RPC_TIMEOUT", 10*time.Second),
		OraclePollInterval: getEnvDuration("ORACLE_POLL_INTERVAL", time.Second),
		OracleFreshness:    getEnvDuration("ORACLE_FRESHNESS", 5*time.Second),

		AuxOracleURL:          getEnv("AUX_ORACLE_URL", "https://min-api.cryptocompare.com/data/pricemultifull"),
		AuxOracleAPIKey:       os.Getenv("AUX_ORACLE_API_KEY"),
		AuxOraclePollInterval: getEnvDuration("AUX_ORACLE_POLL_INTERVAL", 5*time.Second),

		FeedSources: parsePairs(getEnv("FEED_SOURCES",
			"binance=wss://stream.binance.com:9443/ws,binanceus=wss://stream.binance.us:9443/ws")),

		ResolverMaxStale: getEnvDuration("RESOLVER_MAX_STALE", 30*time.Second),

		WindowSeconds:       int64(getEnvInt("WINDOW_SECONDS", 900)),
		WindowCheckInterval: getEnvDuration("WINDOW_CHECK_INTERVAL", 10*time.Second),

		ActiveStrategy:    getEnv("ACTIVE_STRATEGY", "momentum"),
		StrategyPoolSize:  getEnvInt("STRATEGY_POOL_SIZE", 4),
		StrategyQueueSize: getEnvInt("STRATEGY_QUEUE_SIZE", 64),
		TickBuildInterval: getEnvDuration("TICK_BUILD_INTERVAL", time.Second),

		TrailingActivatePct: getEnvDecimal("TRAILING_ACTIVATE_PCT", decimal.NewFromFloat(0.08)),
		TrailingPct:         getEnvDecimal("TRAILING_PCT", decimal.NewFromFloat(0.05)),
		ProfitFloorPct:      getEnvDecimal("PROFIT_FLOOR_PCT", decimal.NewFromFloat(0.02)),
		StopLossPct:         getEnvDecimal("STOP_LOSS_PCT", decimal.NewFromFloat(0.20)),
		ReversalThreshold:   getEnvDecimal("REVERSAL_THRESHOLD_PCT", decimal.NewFromFloat(0.05)),

		MaxPositionUSD:     getEnvDecimal("MAX_POSITION_USD", decimal.NewFromInt(50)),
		MaxSessionLoss:     getEnvDecimal("MAX_SESSION_LOSS", decimal.NewFromInt(25)),
		AllowedInstruments: getEnv("ALLOWED_INSTRUMENTS", "*"),
		AllowedStrategies:  getEnv("ALLOWED_STRATEGIES", "*"),

		PaperPositions:  getEnvBool("PAPER_POSITIONS", true),
		DryRunPositions: getEnvBool("DRY_RUN_POSITIONS", false),

		ServerAddr:     getEnv("SERVER_ADDR", ":8099"),
		AllowedOrigins: splitList(getEnv("SERVER_ALLOWED_ORIGINS", "")),
		StateInterval:  getEnvDuration("STATE_BROADCAST_INTERVAL", 2*time.Second),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		TickSampleInterval: getEnvDuration("TICK_SAMPLE_INTERVAL", time.Second),

		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("TRADING_SYMBOLS must name at least one symbol")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.PerOrderCapUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("PER_ORDER_CAP_USD must be positive")
	}
	if c.WindowOrderCap < 1 {
		return fmt.Errorf("WINDOW_ORDER_CAP must be at least 1")
	}
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("WINDOW_SECONDS must be positive")
	}
	if c.ConfirmPollInterval <= 0 || c.ConfirmPollBudget < c.ConfirmPollInterval {
		return fmt.Errorf("confirmation poll budget must cover at least one interval")
	}
	if c.MaxInflightOrders < 1 {
		return fmt.Errorf("EXEC_MAX_INFLIGHT must be at least 1")
	}
	if c.TradingMode == types.ModeLive {
		if c.ExchangeAPIKey == "" || c.ExchangeAPISecret == "" {
			return fmt.Errorf("LIVE mode requires EXCHANGE_API_KEY and EXCHANGE_API_SECRET")
		}
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}

// splitList is splitCSV without the symbol uppercasing; origins keep their case.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parsePairs parses "name=url,name=url" into a map
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
