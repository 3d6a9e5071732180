package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Push transport selectors for PUSH_TRANSPORT.
const (
	TransportWS    = "ws"
	TransportRedis = "redis"
	TransportNone  = "none"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Push channel
	PushTransport string
	PushURL       string
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	// Pull channel
	PullURL      string
	PullInterval time.Duration

	// Simulation fallback
	QuietPeriod         time.Duration
	SimTickInterval     time.Duration
	SimPriceDelta       decimal.Decimal
	SimRSIDrift         decimal.Decimal
	SimTradeProbability float64
	SimSeed             int64

	// Store buffers
	PriceHistoryCap int
	TradeLogCap     int

	// Reconnect policy
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	// Infrastructure
	SQLitePath      string
	MetricsAddr     string
	DashboardAddr   string
	AlertWebhookURL string
	LogLevel        string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		PushTransport: strings.ToLower(getEnv("PUSH_TRANSPORT", TransportWS)),
		PushURL:       getEnv("PUSH_URL", "ws://localhost:8765/ws"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisChannel:  getEnv("REDIS_CHANNEL", "bot_update"),

		PullURL:      getEnv("PULL_URL", "http://localhost:8765/api/bot/status"),
		PullInterval: getDuration("PULL_INTERVAL", 30*time.Second),

		QuietPeriod:         getDuration("QUIET_PERIOD", 5*time.Second),
		SimTickInterval:     getDuration("SIM_TICK_INTERVAL", 5*time.Second),
		SimPriceDelta:       getDecimal("SIM_PRICE_DELTA", decimal.NewFromInt(50)),
		SimRSIDrift:         getDecimal("SIM_RSI_DRIFT", decimal.RequireFromString("2.5")),
		SimTradeProbability: getFloat("SIM_TRADE_PROBABILITY", 0.3),
		SimSeed:             int64(getInt("SIM_SEED", 0)),

		PriceHistoryCap: getInt("PRICE_HISTORY_CAP", 20),
		TradeLogCap:     getInt("TRADE_LOG_CAP", 6),

		ReconnectDelay:       getDuration("RECONNECT_DELAY", 2*time.Second),
		MaxReconnectDelay:    getDuration("MAX_RECONNECT_DELAY", 30*time.Second),
		MaxReconnectAttempts: getInt("MAX_RECONNECT_ATTEMPTS", 0),

		SQLitePath:      getEnv("SQLITE_PATH", "data/dashsync.db"),
		MetricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		DashboardAddr:   getEnv("DASHBOARD_ADDR", ":8080"),
		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("PULL_INTERVAL", c.PullInterval)
	positive("QUIET_PERIOD", c.QuietPeriod)
	positive("SIM_TICK_INTERVAL", c.SimTickInterval)
	positive("RECONNECT_DELAY", c.ReconnectDelay)
	positive("MAX_RECONNECT_DELAY", c.MaxReconnectDelay)

	if c.MaxReconnectDelay > 0 && c.MaxReconnectDelay < c.ReconnectDelay {
		errs = append(errs, fmt.Errorf("MAX_RECONNECT_DELAY %s below RECONNECT_DELAY %s", c.MaxReconnectDelay, c.ReconnectDelay))
	}
	if c.PriceHistoryCap <= 0 {
		errs = append(errs, fmt.Errorf("PRICE_HISTORY_CAP must be positive, got %d", c.PriceHistoryCap))
	}
	if c.TradeLogCap <= 0 {
		errs = append(errs, fmt.Errorf("TRADE_LOG_CAP must be positive, got %d", c.TradeLogCap))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be >= 0, got %d", c.MaxReconnectAttempts))
	}
	if !c.SimPriceDelta.IsPositive() {
		errs = append(errs, fmt.Errorf("SIM_PRICE_DELTA must be positive, got %s", c.SimPriceDelta))
	}
	if c.SimRSIDrift.IsNegative() {
		errs = append(errs, fmt.Errorf("SIM_RSI_DRIFT must be >= 0, got %s", c.SimRSIDrift))
	}
	if c.SimTradeProbability < 0 || c.SimTradeProbability > 1 {
		errs = append(errs, fmt.Errorf("SIM_TRADE_PROBABILITY must be within [0,1], got %v", c.SimTradeProbability))
	}
	switch c.PushTransport {
	case TransportWS, TransportRedis, TransportNone:
	default:
		errs = append(errs, fmt.Errorf("PUSH_TRANSPORT must be ws, redis or none, got %q", c.PushTransport))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid int %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Printf("[config] invalid float %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid decimal %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
