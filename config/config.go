package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Venue
	WSURL           string        `envconfig:"WS_URL" default:"wss://fstream.binance.com/ws"`
	RESTURL         string        `envconfig:"REST_URL" default:"https://fapi.binance.com"`
	KlineInterval   string        `envconfig:"KLINE_INTERVAL" default:"1h"`
	SubscribeTrades bool          `envconfig:"SUBSCRIBE_TRADES" default:"true"`
	Symbols         string        `envconfig:"SYMBOLS"` // comma-separated allow-list, empty = whole universe
	QuoteAsset      string        `envconfig:"QUOTE_ASSET"`
	HistoryLimit    int           `envconfig:"HISTORY_LIMIT" default:"300"`
	MaxReconnects   int           `envconfig:"MAX_RECONNECTS" default:"10"`
	PingInterval    time.Duration `envconfig:"PING_INTERVAL" default:"20s"`
	PongTimeout     time.Duration `envconfig:"PONG_TIMEOUT" default:"10s"`
	RestartDelay    time.Duration `envconfig:"RESTART_DELAY" default:"10s"`
	SeedParallelism int           `envconfig:"SEED_PARALLELISM" default:"8"`

	// Indicator & detection
	BucketPeriod  time.Duration `envconfig:"BUCKET_PERIOD" default:"3h"`
	EMAPeriod     int           `envconfig:"EMA_PERIOD" default:"21"`
	AlertCooldown time.Duration `envconfig:"ALERT_COOLDOWN" default:"1h"`

	// Notification sinks (all optional; log-only when none is set)
	WebhookURL       string        `envconfig:"WEBHOOK_URL"`
	FeishuWebhookURL string        `envconfig:"FEISHU_WEBHOOK_URL"`
	TelegramBotToken string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string        `envconfig:"TELEGRAM_CHAT_ID"`
	NotifyTimeout    time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`

	// Infrastructure (Redis and SQLite are disabled when empty)
	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	SQLitePath     string        `envconfig:"SQLITE_PATH"`
	StatusInterval time.Duration `envconfig:"STATUS_INTERVAL" default:"5s"`
	MetricsAddr    string        `envconfig:"METRICS_ADDR" default:":9090"`
	APIAddr        string        `envconfig:"API_ADDR" default:":8080"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional .env file, then the environment, with defaults
// from the struct tags.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.EMAPeriod < 1:
		return fmt.Errorf("config: EMA_PERIOD must be positive, got %d", c.EMAPeriod)
	case c.BucketPeriod <= 0:
		return fmt.Errorf("config: BUCKET_PERIOD must be positive, got %s", c.BucketPeriod)
	case c.AlertCooldown <= 0:
		return fmt.Errorf("config: ALERT_COOLDOWN must be positive, got %s", c.AlertCooldown)
	case c.MaxReconnects < 1:
		return fmt.Errorf("config: MAX_RECONNECTS must be positive, got %d", c.MaxReconnects)
	case c.WSURL == "":
		return fmt.Errorf("config: WS_URL is required")
	}
	return nil
}

// ParseSymbols parses the Symbols allow-list into upper-cased, de-duplicated
// symbols in input order.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if seen[p] {
			log.Printf("[config] skipping duplicate symbol: %q", p)
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
