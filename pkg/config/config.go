package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the monitor daemon.
type Config struct {
	// Upstox endpoints
	APIBaseURL       string
	FeedAuthorizeURL string
	MarketFeedKind   string // authorize kind for the market-data feed
	PortfolioKind    string // authorize kind for the portfolio feed
	UpdateTypes      string // portfolio update kinds streamed by the vendor

	// Daemon tuning
	PollInterval     time.Duration
	TimeRuleInterval time.Duration
	MaxBackoff       time.Duration
	CandleHistory    int
	MarketDataMode   string // "ltpc" or "full"

	// Execution
	PaperTrading bool

	// Auth
	EncryptionKey  string // 32 bytes for AES-256
	KeyVersion     int
	LoginCooldown  time.Duration
	TokenOverrides map[string]string // user_id -> raw token, ops escape hatch

	// Database
	DBPath string

	// Ops server
	OpsAddr   string
	EnableOps bool

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"
}

// overlay mirrors the tunable subset of Config for the optional YAML file.
type overlay struct {
	PollIntervalSec     int    `yaml:"poll_interval_sec"`
	TimeRuleIntervalSec int    `yaml:"time_rule_interval_sec"`
	MaxBackoffSec       int    `yaml:"max_backoff_sec"`
	CandleHistory       int    `yaml:"candle_history"`
	MarketDataMode      string `yaml:"market_data_mode"`
	OpsAddr             string `yaml:"ops_addr"`
	LogLevel            string `yaml:"log_level"`
}

// Load reads environment variables (optionally via .env) into Config,
// then applies the YAML overlay named by MONITOR_CONFIG when present.
func Load() (*Config, error) {
	// Ignore error so the daemon still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		APIBaseURL:       getEnv("UPSTOX_API_BASE", "https://api.upstox.com/v2"),
		FeedAuthorizeURL: getEnv("UPSTOX_FEED_AUTHORIZE_URL", "https://api.upstox.com/v3/feed"),
		MarketFeedKind:   getEnv("UPSTOX_MARKET_FEED_KIND", "market-data-feed"),
		PortfolioKind:    getEnv("UPSTOX_PORTFOLIO_FEED_KIND", "portfolio-stream-feed"),
		UpdateTypes:      getEnv("UPSTOX_UPDATE_TYPES", "order,position,holding"),
		PollInterval:     getEnvDuration("POLL_INTERVAL_SEC", 10*time.Second),
		TimeRuleInterval: getEnvDuration("TIME_RULE_INTERVAL_SEC", 30*time.Second),
		MaxBackoff:       getEnvDuration("MAX_BACKOFF_SEC", 16*time.Second),
		CandleHistory:    getEnvInt("CANDLE_HISTORY", 500),
		MarketDataMode:   getEnv("MARKET_DATA_MODE", "ltpc"),
		PaperTrading:     getEnv("PAPER_TRADING", "true") == "true",
		EncryptionKey:    os.Getenv("TOKEN_ENCRYPTION_KEY"),
		KeyVersion:       getEnvInt("TOKEN_KEY_VERSION", 1),
		LoginCooldown:    getEnvDuration("LOGIN_COOLDOWN_SEC", 300*time.Second),
		TokenOverrides:   parseOverrides(os.Getenv("TOKEN_OVERRIDES")),
		DBPath:           getEnv("DB_PATH", "./data/monitor.db"),
		OpsAddr:          getEnv("OPS_ADDR", ":8085"),
		EnableOps:        getEnv("ENABLE_OPS", "true") == "true",
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "console"),
	}

	if path := os.Getenv("MONITOR_CONFIG"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, fmt.Errorf("apply config overlay %s: %w", path, err)
		}
	}

	if cfg.MarketDataMode != "ltpc" && cfg.MarketDataMode != "full" {
		return nil, fmt.Errorf("invalid MARKET_DATA_MODE %q", cfg.MarketDataMode)
	}

	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if o.PollIntervalSec > 0 {
		c.PollInterval = time.Duration(o.PollIntervalSec) * time.Second
	}
	if o.TimeRuleIntervalSec > 0 {
		c.TimeRuleInterval = time.Duration(o.TimeRuleIntervalSec) * time.Second
	}
	if o.MaxBackoffSec > 0 {
		c.MaxBackoff = time.Duration(o.MaxBackoffSec) * time.Second
	}
	if o.CandleHistory > 0 {
		c.CandleHistory = o.CandleHistory
	}
	if o.MarketDataMode != "" {
		c.MarketDataMode = o.MarketDataMode
	}
	if o.OpsAddr != "" {
		c.OpsAddr = o.OpsAddr
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	return nil
}

// parseOverrides reads "user1=token1,user2=token2".
func parseOverrides(val string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(val, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return time.Duration(i) * time.Second
		}
	}
	return def
}
