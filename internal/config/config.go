package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	DedupeTable = "table"
	DedupeRedis = "redis"
)

type Config struct {
	DBSource      string
	Port          string
	Env           string
	StoreDriver   string
	RunMigrations bool

	DedupeStrategy string
	DedupeTTL      time.Duration
	RedisAddr      string

	LogLevel  string
	LogFormat string

	TelegramAPIBase string
	NotifyTimeout   time.Duration

	DistributionCacheSize int
	DistributionCacheTTL  time.Duration

	AdminToken string

	ECPay ECPayConfig
}

type ECPayConfig struct {
	MerchantID  string
	HashKey     string
	HashIV      string
	ReturnURL   string
	CheckoutURL string
}

// Enabled reports whether payment routes can be served. Notifications are
// only verifiable once the merchant id and both hash secrets are set.
func (c ECPayConfig) Enabled() bool {
	return c.MerchantID != "" && c.HashKey != "" && c.HashIV != ""
}

func (c ECPayConfig) partial() bool {
	return !c.Enabled() && (c.MerchantID != "" || c.HashKey != "" || c.HashIV != "")
}

// Load reads an optional .env file, an optional pointledger.yaml and the
// process environment, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("pointledger")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/pointledger")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		DBSource:              strings.TrimSpace(v.GetString("DB_SOURCE")),
		Port:                  v.GetString("SERVER_PORT"),
		Env:                   v.GetString("ENVIRONMENT"),
		StoreDriver:           strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		RunMigrations:         v.GetBool("RUN_MIGRATIONS"),
		DedupeStrategy:        strings.ToLower(strings.TrimSpace(v.GetString("DEDUPE_STRATEGY"))),
		DedupeTTL:             v.GetDuration("DEDUPE_TTL"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogFormat:             v.GetString("LOG_FORMAT"),
		TelegramAPIBase:       strings.TrimRight(v.GetString("TELEGRAM_API_BASE"), "/"),
		NotifyTimeout:         v.GetDuration("NOTIFY_TIMEOUT"),
		DistributionCacheSize: v.GetInt("DISTRIBUTION_CACHE_SIZE"),
		DistributionCacheTTL:  v.GetDuration("DISTRIBUTION_CACHE_TTL"),
		AdminToken:            strings.TrimSpace(v.GetString("ADMIN_TOKEN")),
		ECPay: ECPayConfig{
			MerchantID:  strings.TrimSpace(v.GetString("ECPAY_MERCHANT_ID")),
			HashKey:     strings.TrimSpace(v.GetString("ECPAY_HASH_KEY")),
			HashIV:      strings.TrimSpace(v.GetString("ECPAY_HASH_IV")),
			ReturnURL:   strings.TrimSpace(v.GetString("ECPAY_RETURN_URL")),
			CheckoutURL: strings.TrimSpace(v.GetString("ECPAY_CHECKOUT_URL")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("DEDUPE_STRATEGY", DedupeTable)
	v.SetDefault("DEDUPE_TTL", 30*time.Second)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("TELEGRAM_API_BASE", "https://api.telegram.org")
	v.SetDefault("NOTIFY_TIMEOUT", 10*time.Second)
	v.SetDefault("DISTRIBUTION_CACHE_SIZE", 1024)
	v.SetDefault("DISTRIBUTION_CACHE_TTL", 30*time.Second)
	v.SetDefault("ECPAY_CHECKOUT_URL", "https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5")
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.DedupeStrategy {
	case DedupeTable:
	case DedupeRedis:
		if c.DedupeTTL <= 0 {
			return fmt.Errorf("DEDUPE_TTL must be positive")
		}
	default:
		return fmt.Errorf("unknown DEDUPE_STRATEGY %q", c.DedupeStrategy)
	}

	if c.ECPay.partial() {
		return fmt.Errorf("ECPAY_MERCHANT_ID, ECPAY_HASH_KEY and ECPAY_HASH_IV must be set together")
	}
	return nil
}
