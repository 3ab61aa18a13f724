package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const DefaultLiveConfirmationPhrase = "I UNDERSTAND THIS TRADES REAL MONEY"

type Config struct {
	ListenAddr         string
	StoreMode          string
	DatabaseURL        string
	SQLitePath         string
	AuditEncryptionKey string
	AdminUsername      string
	AdminPassword      string
	JWTSecret          string
	TokenTTL           time.Duration

	AccountID     string
	AccountEquity float64

	LiveTradingRequested   bool
	LiveTradingConfirmed   bool
	LiveConfirmationPhrase string
	ExecutionEnabled       bool
	AssistantEnabled       bool

	RateLimitPerMinute     int
	RateLimitWindow        time.Duration
	ErrorCooldown          time.Duration
	ErrorCooldownThreshold int
	PreviewTTL             time.Duration
	ExecutionTimeout       time.Duration
	SweepInterval          time.Duration

	MaxExposurePct   float64
	MaxOpenPositions int
	MinSLTPDistance  float64
	PolicyFile       string

	StrategyKeys    []string
	StrategyDefault string
	PaperQuotes     string
	BrokerBridgeURL string
	BrokerBridgeKey string

	TelegramBotToken   string
	TelegramChatID     string
	TelegramRatePerSec float64
	WebhookURL         string
	WebhookTimeout     time.Duration
	WebhookMaxRetries  int
	WebhookRetryBase   time.Duration
	WebhookRetryMax    time.Duration

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAITimeout time.Duration

	Logging LoggingConfig
}

type LoggingConfig struct {
	Level       string
	Encoding    string
	Development bool
}

func Load() Config {
	return Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":18080"),
		StoreMode:          getEnv("STORE_MODE", "memory"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		SQLitePath:         getEnv("SQLITE_PATH", "data/tradegate.db"),
		AuditEncryptionKey: getEnv("AUDIT_ENCRYPTION_KEY", ""),
		AdminUsername:      getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:      getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:          getEnv("JWT_SECRET", "change-this-secret"),
		TokenTTL:           getDuration("TOKEN_TTL", 12*time.Hour),

		AccountID:     getEnv("ACCOUNT_ID", "101-004-0000000-001"),
		AccountEquity: getFloat("ACCOUNT_EQUITY", 10000),

		LiveTradingRequested:   getBool("LIVE_TRADING_REQUESTED", false),
		LiveTradingConfirmed:   getBool("LIVE_TRADING_CONFIRMED", false),
		LiveConfirmationPhrase: getEnv("LIVE_CONFIRMATION_PHRASE", DefaultLiveConfirmationPhrase),
		ExecutionEnabled:       getBool("EXECUTION_ENABLED", true),
		AssistantEnabled:       getBool("ASSISTANT_ENABLED", false),

		RateLimitPerMinute:     getInt("RATE_LIMIT_PER_MINUTE", 10),
		RateLimitWindow:        getDuration("RATE_LIMIT_WINDOW", time.Minute),
		ErrorCooldown:          getDuration("ERROR_COOLDOWN", time.Minute),
		ErrorCooldownThreshold: getInt("ERROR_COOLDOWN_THRESHOLD", 3),
		PreviewTTL:             getDuration("PREVIEW_TTL", 2*time.Minute),
		ExecutionTimeout:       getDuration("EXECUTION_TIMEOUT", 10*time.Second),
		SweepInterval:          getDuration("SWEEP_INTERVAL", 5*time.Second),

		MaxExposurePct:   getFloat("MAX_EXPOSURE_PCT", 10),
		MaxOpenPositions: getInt("MAX_OPEN_POSITIONS", 3),
		MinSLTPDistance:  getFloat("MIN_SL_TP_DISTANCE", 0),
		PolicyFile:       getEnv("POLICY_FILE", ""),

		StrategyKeys:    getList("STRATEGY_KEYS", []string{"trend_ema", "mean_revert", "flat"}),
		StrategyDefault: getEnv("STRATEGY_DEFAULT", "flat"),
		PaperQuotes:     getEnv("PAPER_QUOTES", "EURUSD=1.0850,GBPUSD=1.2700,USDJPY=151.20"),
		BrokerBridgeURL: getEnv("BROKER_BRIDGE_URL", ""),
		BrokerBridgeKey: getEnv("BROKER_BRIDGE_TOKEN", ""),

		TelegramBotToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramRatePerSec: getFloat("TELEGRAM_RATE_PER_SEC", 1),
		WebhookURL:         getEnv("WEBHOOK_URL", ""),
		WebhookTimeout:     getDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookMaxRetries:  getInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryBase:   getDuration("WEBHOOK_RETRY_BASE", 500*time.Millisecond),
		WebhookRetryMax:    getDuration("WEBHOOK_RETRY_MAX", 5*time.Second),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4.1"),
		OpenAITimeout: getDuration("OPENAI_TIMEOUT", 15*time.Second),

		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Encoding:    getEnv("LOG_ENCODING", "console"),
			Development: getBool("LOG_DEVELOPMENT", false),
		},
	}
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var err error

	switch c.StoreMode {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			err = multierr.Append(err, errors.New("DATABASE_URL is required when STORE_MODE=postgres"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			err = multierr.Append(err, errors.New("SQLITE_PATH is required when STORE_MODE=sqlite"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("STORE_MODE must be memory, postgres or sqlite, got %q", c.StoreMode))
	}
	if c.JWTSecret == "" {
		err = multierr.Append(err, errors.New("JWT_SECRET must not be empty"))
	}
	if c.AccountEquity <= 0 {
		err = multierr.Append(err, errors.New("ACCOUNT_EQUITY must be positive"))
	}
	if c.RateLimitPerMinute <= 0 {
		err = multierr.Append(err, errors.New("RATE_LIMIT_PER_MINUTE must be positive"))
	}
	if c.RateLimitWindow <= 0 {
		err = multierr.Append(err, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.ErrorCooldownThreshold <= 0 {
		err = multierr.Append(err, errors.New("ERROR_COOLDOWN_THRESHOLD must be positive"))
	}
	if c.PreviewTTL <= 0 {
		err = multierr.Append(err, errors.New("PREVIEW_TTL must be positive"))
	}
	if c.ExecutionTimeout <= 0 {
		err = multierr.Append(err, errors.New("EXECUTION_TIMEOUT must be positive"))
	}
	if c.MaxExposurePct <= 0 {
		err = multierr.Append(err, errors.New("MAX_EXPOSURE_PCT must be positive"))
	}
	if c.MaxOpenPositions <= 0 {
		err = multierr.Append(err, errors.New("MAX_OPEN_POSITIONS must be positive"))
	}
	if c.MinSLTPDistance < 0 {
		err = multierr.Append(err, errors.New("MIN_SL_TP_DISTANCE must not be negative"))
	}
	if len(c.StrategyKeys) == 0 {
		err = multierr.Append(err, errors.New("STRATEGY_KEYS must list at least one strategy"))
	} else if !contains(c.StrategyKeys, c.StrategyDefault) {
		err = multierr.Append(err, fmt.Errorf("STRATEGY_DEFAULT %q is not in STRATEGY_KEYS", c.StrategyDefault))
	}
	if c.LiveTradingConfirmed && strings.TrimSpace(c.LiveConfirmationPhrase) == "" {
		err = multierr.Append(err, errors.New("LIVE_CONFIRMATION_PHRASE must not be empty when live trading is confirmed"))
	}
	if c.AssistantEnabled && c.OpenAIAPIKey == "" {
		err = multierr.Append(err, errors.New("OPENAI_API_KEY is required when ASSISTANT_ENABLED=true"))
	}

	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
