package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/types"
)

// SubscriptionEntry identifies one instrument to subscribe on the feed.
type SubscriptionEntry struct {
	Segment    types.ExchangeSegment
	SecurityID string
}

// Config holds all configuration for the engine, read once at startup.
type Config struct {
	// Vendor feed
	FeedEndpoint string
	FeedToken    string
	ClientID     string

	// Initial subscription set, "SEGMENT:ID" pairs. Default is the NSE index.
	Subscriptions []SubscriptionEntry

	// Candle aggregation
	CandleIntervals []types.Interval

	// Portfolio / risk
	UserID          string
	TotalCapital    decimal.Decimal
	MaxDailyLossPct decimal.Decimal
	RiskPct         decimal.Decimal
	StopLossPct     decimal.Decimal
	TargetPct       decimal.Decimal
	LotSize         int

	// Session times (exchange local)
	MarketOpen   string
	MarketClose  string
	EODSquareOff string
	DailyResetAt string
	Timezone     string

	// Reconnection / keepalive
	ReconnectInitialDelay time.Duration
	ReconnectMaxAttempts  int
	KeepaliveInterval     time.Duration

	// Hub
	HubListenAddr string

	// Option chain (optional)
	OptionChainURL string

	// Persistence: postgres:// DSN or a sqlite file path
	DatabasePath string

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Debug bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		FeedEndpoint: getEnv("FEED_ENDPOINT", "wss://api-feed.dhan.co"),
		FeedToken:    os.Getenv("FEED_TOKEN"),
		ClientID:     os.Getenv("FEED_CLIENT_ID"),

		UserID:          getEnv("USER_ID", "default"),
		TotalCapital:    getEnvDecimal("TOTAL_CAPITAL", decimal.NewFromInt(20000)),
		MaxDailyLossPct: getEnvDecimal("MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(0.03)),
		RiskPct:         getEnvDecimal("RISK_PCT", decimal.NewFromFloat(0.01)),
		StopLossPct:     getEnvDecimal("STOP_LOSS_PCT", decimal.NewFromFloat(0.01)),
		TargetPct:       getEnvDecimal("TARGET_PCT", decimal.NewFromFloat(0.03)),
		LotSize:         getEnvInt("LOT_SIZE", 75),

		MarketOpen:   getEnv("MARKET_OPEN", "09:15"),
		MarketClose:  getEnv("MARKET_CLOSE", "15:30"),
		EODSquareOff: getEnv("EOD_SQUARE_OFF", "15:20"),
		DailyResetAt: getEnv("DAILY_RESET_AT", "09:00"),
		Timezone:     getEnv("TIMEZONE", "Asia/Kolkata"),

		ReconnectInitialDelay: getEnvDuration("RECONNECT_INITIAL_DELAY", 5*time.Second),
		ReconnectMaxAttempts:  getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		KeepaliveInterval:     getEnvDuration("KEEPALIVE_INTERVAL", 30*time.Second),

		HubListenAddr: getEnv("HUB_LISTEN_ADDR", ":8080"),

		OptionChainURL: os.Getenv("OPTION_CHAIN_URL"),

		DatabasePath: getEnv("DATABASE_PATH", "data/papertrader.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Debug: getEnvBool("DEBUG", false),
	}

	var err error
	if cfg.Subscriptions, err = parseSubscriptions(getEnv("SUBSCRIPTION_SET", "IDX_I:13")); err != nil {
		return nil, err
	}
	if cfg.CandleIntervals, err = parseIntervals(getEnv("CANDLE_INTERVALS", "1m,5m")); err != nil {
		return nil, err
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.TotalCapital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("TOTAL_CAPITAL must be positive")
	}
	if cfg.LotSize < 1 {
		return nil, fmt.Errorf("LOT_SIZE must be at least 1")
	}
	for _, key := range []struct {
		name, val string
	}{
		{"MARKET_OPEN", cfg.MarketOpen},
		{"MARKET_CLOSE", cfg.MarketClose},
		{"EOD_SQUARE_OFF", cfg.EODSquareOff},
		{"DAILY_RESET_AT", cfg.DailyResetAt},
	} {
		if _, err := ParseClock(key.val); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key.name, err)
		}
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	return cfg, nil
}

// Location resolves the configured exchange zone. Load has already
// validated it.
func (c *Config) Location() *time.Location {
	loc, _ := time.LoadLocation(c.Timezone)
	return loc
}

// Clock is a wall-clock time of day in the exchange zone.
type Clock struct {
	Hour   int
	Minute int
}

// Minutes returns the clock as minutes since midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("bad minute in %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func parseSubscriptions(s string) ([]SubscriptionEntry, error) {
	var out []SubscriptionEntry
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid subscription entry %q, expected SEGMENT:ID", part)
		}
		seg, err := ParseSegment(fields[0])
		if err != nil {
			return nil, err
		}
		out = append(out, SubscriptionEntry{Segment: seg, SecurityID: fields[1]})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty SUBSCRIPTION_SET")
	}
	return out, nil
}

// ParseSegment maps a vendor segment name to its wire value.
func ParseSegment(s string) (types.ExchangeSegment, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IDX_I":
		return types.SegmentIndex, nil
	case "NSE_EQ":
		return types.SegmentNSEEquity, nil
	case "NSE_FNO":
		return types.SegmentNSEFNO, nil
	case "NSE_CURRENCY":
		return types.SegmentNSECurrency, nil
	case "BSE_EQ":
		return types.SegmentBSEEquity, nil
	case "MCX_COMM":
		return types.SegmentMCX, nil
	default:
		return 0, fmt.Errorf("unknown exchange segment %q", s)
	}
}

func parseIntervals(s string) ([]types.Interval, error) {
	var out []types.Interval
	seen := make(map[types.Interval]bool)
	for _, part := range strings.Split(s, ",") {
		iv := types.Interval(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !iv.Valid() {
			return nil, fmt.Errorf("unknown candle interval %q", part)
		}
		if !seen[iv] {
			seen[iv] = true
			out = append(out, iv)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty CANDLE_INTERVALS")
	}
	return out, nil
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
