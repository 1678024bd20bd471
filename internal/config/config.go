// Package config defines the exchange configuration and loads it from an
// optional TOML file plus EXCHANGE_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then overridden by EXCHANGE_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Trading  TradingConfig  `toml:"trading"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            string        `toml:"port"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL        string `toml:"url"`
	MaxRetries int    `toml:"max_retries"` // transaction conflict retries
}

// RedisConfig holds the optional read-cache settings. An empty URL disables
// the cache layer.
type RedisConfig struct {
	URL      string        `toml:"url"`
	CacheTTL time.Duration `toml:"cache_ttl"`
}

// TradingConfig holds order admission bounds, in currency units.
type TradingConfig struct {
	MinOrderAmount decimal.Decimal `toml:"min_order_amount"`
	MaxOrderAmount decimal.Decimal `toml:"max_order_amount"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxRetries: 3,
		},
		Redis: RedisConfig{
			CacheTTL: 30 * time.Second,
		},
		Trading: TradingConfig{
			MinOrderAmount: decimal.NewFromInt(1),
			MaxOrderAmount: decimal.NewFromInt(10000),
		},
	}
}

// Load reads a TOML configuration file at path (skipped when path is empty
// or missing), merges it on top of the defaults, loads .env if present, and
// applies EXCHANGE_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if !c.Trading.MinOrderAmount.IsPositive() {
		return fmt.Errorf("config: min_order_amount must be positive, got %s", c.Trading.MinOrderAmount)
	}
	if c.Trading.MaxOrderAmount.LessThan(c.Trading.MinOrderAmount) {
		return fmt.Errorf("config: max_order_amount %s below min_order_amount %s",
			c.Trading.MaxOrderAmount, c.Trading.MinOrderAmount)
	}
	if c.Database.MaxRetries < 1 {
		return fmt.Errorf("config: max_retries must be at least 1, got %d", c.Database.MaxRetries)
	}
	return nil
}

// applyEnvOverrides reads well-known EXCHANGE_* environment variables and
// overwrites the corresponding fields when set, so operators can inject
// connection strings at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Port, "EXCHANGE_PORT")
	setStr(&cfg.Server.Port, "PORT") // conventional alias
	setStr(&cfg.Database.URL, "EXCHANGE_DATABASE_URL")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setInt(&cfg.Database.MaxRetries, "EXCHANGE_TX_MAX_RETRIES")
	setStr(&cfg.Redis.URL, "EXCHANGE_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setDecimal(&cfg.Trading.MinOrderAmount, "EXCHANGE_MIN_ORDER_AMOUNT")
	setDecimal(&cfg.Trading.MaxOrderAmount, "EXCHANGE_MAX_ORDER_AMOUNT")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
