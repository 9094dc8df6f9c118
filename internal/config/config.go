package config

import (
	"fmt"
	"slices"
	"time"

	"storefront-payments/internal/database"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	HTTPPort int    `env:"HTTP_PORT" envDefault:"8080"`

	DB     DBConfig
	Ledger LedgerConfig

	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	CycleTimeout time.Duration `env:"CYCLE_TIMEOUT" envDefault:"30s"`
	MaxBackoff   time.Duration `env:"MAX_BACKOFF" envDefault:"5m"`

	IntentTTL      time.Duration   `env:"INTENT_TTL" envDefault:"30m"`
	Currency       string          `env:"PAYMENT_CURRENCY" envDefault:"TON"`
	ConversionRate decimal.Decimal `env:"CONVERSION_RATE" envDefault:"0.001"`
	MinAmount      decimal.Decimal `env:"MIN_PAYMENT_AMOUNT" envDefault:"0.01"`
	MaxAmount      decimal.Decimal `env:"MAX_PAYMENT_AMOUNT" envDefault:"1000"`

	AdminIDs       []int64  `env:"ADMIN_IDS" envSeparator:","`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	Notifier          string        `env:"NOTIFIER" envDefault:"log"`
	NotifyQueueSize   int           `env:"NOTIFY_QUEUE_SIZE" envDefault:"256"`
	NotifyTimeout     time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"5s"`
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic        string        `env:"KAFKA_TOPIC" envDefault:"payment-outcomes"`
	SNSTopicARN       string        `env:"SNS_TOPIC_ARN"`
	RedisURL          string        `env:"REDIS_URL"`
	CheckoutPerMinute int           `env:"CHECKOUT_RATE_PER_MINUTE" envDefault:"10"`
}

type DBConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	Username string `env:"DB_USERNAME" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD"`
	Database string `env:"DB_DATABASE" envDefault:"storefront"`
	Schema   string `env:"DB_SCHEMA" envDefault:"public"`
}

type LedgerConfig struct {
	BaseURL          string        `env:"LEDGER_BASE_URL" envDefault:"https://toncenter.com/api"`
	APIKey           string        `env:"LEDGER_API_KEY"`
	ReceivingAddress string        `env:"LEDGER_RECEIVING_ADDRESS"`
	MinConfirmations int           `env:"LEDGER_MIN_CONFIRMATIONS" envDefault:"1"`
	Timeout          time.Duration `env:"LEDGER_TIMEOUT" envDefault:"10s"`
	PageSize         int           `env:"LEDGER_PAGE_SIZE" envDefault:"100"`
}

// Load reads the process environment; a .env file in the working directory
// is loaded first.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Notifier {
	case "log":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("NOTIFIER=kafka requires KAFKA_BROKERS")
		}
	case "sns":
		if c.SNSTopicARN == "" {
			return fmt.Errorf("NOTIFIER=sns requires SNS_TOPIC_ARN")
		}
	default:
		return fmt.Errorf("unknown NOTIFIER %q", c.Notifier)
	}
	if c.MinAmount.GreaterThan(c.MaxAmount) {
		return fmt.Errorf("MIN_PAYMENT_AMOUNT %s exceeds MAX_PAYMENT_AMOUNT %s", c.MinAmount, c.MaxAmount)
	}
	if c.Ledger.MinConfirmations < 1 {
		return fmt.Errorf("LEDGER_MIN_CONFIRMATIONS must be at least 1")
	}
	return nil
}

func (c *Config) Production() bool {
	return c.Env == "production"
}

func (c *Config) IsAdmin(id int64) bool {
	return slices.Contains(c.AdminIDs, id)
}

func (c DBConfig) Options() database.Options {
	return database.Options{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Database: c.Database,
		Schema:   c.Schema,
	}
}
