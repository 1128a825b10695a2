// Package config loads process configuration with viper.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML file
// named by PAYMENTS_CONFIG, and PAYMENTS_-prefixed environment variables
// where nested keys join with "_" (http.addr is PAYMENTS_HTTP_ADDR).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PAYMENTS"

type Config struct {
	ServiceName string `mapstructure:"service_name"`
	LogLevel    string `mapstructure:"log_level"`

	HTTP         HTTPConfig         `mapstructure:"http"`
	SQLite       SQLiteConfig       `mapstructure:"sqlite"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Card         CardConfig         `mapstructure:"card"`
	BankTransfer BankTransferConfig `mapstructure:"bank_transfer"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig configures the session status cache. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type CardConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
}

// BankTransferConfig is shared by the gateway, which dials Addr, and the
// provider process, which listens on ListenAddr.
type BankTransferConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	ListenAddr   string `mapstructure:"listen_addr"`
	DeclineLimit int64  `mapstructure:"decline_limit"`
}

var defaults = map[string]any{
	"service_name": "payment-gateway",
	"log_level":    "info",

	"http.addr":             ":8080",
	"http.shutdown_timeout": 10 * time.Second,

	"sqlite.path": "./data/payments.db",

	"redis.addr":       "",
	"redis.status_ttl": 30 * time.Second,

	"tracing.enabled":      false,
	"tracing.sample_ratio": 1.0,

	"card.enabled":        false,
	"card.base_url":       "",
	"card.api_key":        "",
	"card.timeout":        10 * time.Second,
	"card.retry_max":      3,
	"card.retry_wait_min": 200 * time.Millisecond,
	"card.retry_wait_max": 2 * time.Second,

	"bank_transfer.enabled":       false,
	"bank_transfer.addr":          "localhost:9091",
	"bank_transfer.listen_addr":   ":9091",
	"bank_transfer.decline_limit": int64(500_00),
}

// Load reads the configuration. A config file path given in PAYMENTS_CONFIG
// must exist.
func Load() (*Config, error) {
	return LoadFromViper(viper.New())
}

// LoadFromViper is Load on a caller-provided viper session, so tests can
// Set values directly.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("config_file", EnvPrefix+"_CONFIG"); err != nil {
		return nil, fmt.Errorf("config: bind config file variable: %w", err)
	}
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the processes cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.SQLite.Path == "" {
		errs = append(errs, errors.New("sqlite.path is required"))
	}
	if c.Redis.StatusTTL < 0 {
		errs = append(errs, errors.New("redis.status_ttl must not be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	if c.Card.Enabled && c.Card.BaseURL == "" {
		errs = append(errs, errors.New("card.base_url is required when the card provider is enabled"))
	}
	if c.Card.RetryMax < 0 {
		errs = append(errs, errors.New("card.retry_max must not be negative"))
	}
	if c.Card.RetryWaitMin < 0 || c.Card.RetryWaitMax < c.Card.RetryWaitMin {
		errs = append(errs, errors.New("card retry waits must satisfy 0 <= retry_wait_min <= retry_wait_max"))
	}
	if c.BankTransfer.Enabled && c.BankTransfer.Addr == "" {
		errs = append(errs, errors.New("bank_transfer.addr is required when the bank-transfer provider is enabled"))
	}
	if c.BankTransfer.DeclineLimit < 0 {
		errs = append(errs, errors.New("bank_transfer.decline_limit must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}
