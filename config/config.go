package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfiguration marks a missing or invalid setting. It is fatal at startup.
var ErrConfiguration = errors.New("configuration error")

type Config struct {
	// Analytics settings recognised at the top level (TARGET_UNDERLYINGS, RISK_FREE_RATE, ...).
	TargetUnderlyings        []string `mapstructure:"target_underlyings"`
	RiskFreeRate             float64  `mapstructure:"risk_free_rate"`
	LookbackDays             int      `mapstructure:"lookback_days"`
	TrendThreshold           float64  `mapstructure:"trend_threshold"`
	SignificantMoveThreshold float64  `mapstructure:"significant_move_threshold"`
	BatchSize                int      `mapstructure:"batch_size"`

	Environment string         `mapstructure:"environment"` // "dev" or "prod"
	Kite        KiteConfig     `mapstructure:"kite"`
	Market      MarketConfig   `mapstructure:"market"`
	Pricing     PricingConfig  `mapstructure:"pricing"`
	Log         LogConfig      `mapstructure:"log"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Redis       RedisConfig    `mapstructure:"redis"`
}

type KiteConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	WSURL                string        `mapstructure:"ws_url"`
	APIKey               string        `mapstructure:"api_key"`
	AccessToken          string        `mapstructure:"access_token"`
	AccessTokenFile      string        `mapstructure:"access_token_file"`
	AccessTokenParameter string        `mapstructure:"access_token_parameter"` // SSM parameter name (prod)
	Timeout              time.Duration `mapstructure:"timeout"`
	QuoteSource          string        `mapstructure:"quote_source"` // "rest" or "ticker"
	QuoteChunkSize       int           `mapstructure:"quote_chunk_size"`
	RequestInterval      time.Duration `mapstructure:"request_interval"`
	Retry                RetryConfig   `mapstructure:"retry"`
	Breaker              BreakerConfig `mapstructure:"breaker"`
	TickerWait           time.Duration `mapstructure:"ticker_wait"`    // longest wait for ticks per quote request
	TickerMaxAge         time.Duration `mapstructure:"ticker_max_age"` // older ticks are treated as missing
}

type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// MarketConfig describes the exchange session the snapshots are taken in.
type MarketConfig struct {
	Timezone           string            `mapstructure:"timezone"`
	OpenSnapshot       string            `mapstructure:"open_snapshot"`  // "HH:MM"
	CloseSnapshot      string            `mapstructure:"close_snapshot"` // "HH:MM"
	ExpiryCutoff       string            `mapstructure:"expiry_cutoff"`  // "HH:MM"
	OptionsExchange    string            `mapstructure:"options_exchange"`
	UnderlyingExchange string            `mapstructure:"underlying_exchange"`
	IndexSymbols       map[string]string `mapstructure:"index_symbols"`
}

type PricingConfig struct {
	Tolerance          float64 `mapstructure:"tolerance"`
	MaxIterations      int     `mapstructure:"max_iterations"`
	FallbackVolatility float64 `mapstructure:"fallback_volatility"`
	Workers            int     `mapstructure:"workers"`
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"` // empty disables the chain cache
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Load loads application configuration using Viper.
// It reads .env (if present), then config.yaml, and overrides with environment variables.
// An empty path searches ./config and the directory next to the executable.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
		if ex, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
		}
	}

	// Support environment variables with dot notation (e.g., KITE_API_KEY)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target_underlyings", []string{"NIFTY", "BANKNIFTY"})
	v.SetDefault("risk_free_rate", 0.07)
	v.SetDefault("lookback_days", 10)
	v.SetDefault("trend_threshold", 0.003)
	v.SetDefault("significant_move_threshold", 0.01)
	v.SetDefault("batch_size", 1000)
	v.SetDefault("environment", "dev")

	v.SetDefault("kite.base_url", "https://api.kite.trade")
	v.SetDefault("kite.ws_url", "wss://ws.kite.trade")
	v.SetDefault("kite.api_key", "")
	v.SetDefault("kite.access_token", "")
	v.SetDefault("kite.access_token_file", "kite_access_token.txt")
	v.SetDefault("kite.access_token_parameter", "")
	v.SetDefault("kite.timeout", 10*time.Second)
	v.SetDefault("kite.quote_source", "rest")
	v.SetDefault("kite.quote_chunk_size", 500)
	v.SetDefault("kite.request_interval", 350*time.Millisecond)
	v.SetDefault("kite.retry.max_retries", 3)
	v.SetDefault("kite.retry.initial_backoff", time.Second)
	v.SetDefault("kite.retry.max_backoff", 30*time.Second)
	v.SetDefault("kite.breaker.max_requests", 3)
	v.SetDefault("kite.breaker.interval", time.Minute)
	v.SetDefault("kite.breaker.timeout", 30*time.Second)
	v.SetDefault("kite.breaker.min_requests", 5)
	v.SetDefault("kite.breaker.failure_ratio", 0.6)
	v.SetDefault("kite.ticker_wait", 5*time.Second)
	v.SetDefault("kite.ticker_max_age", time.Minute)

	v.SetDefault("market.timezone", "Asia/Kolkata")
	v.SetDefault("market.open_snapshot", "09:15")
	v.SetDefault("market.close_snapshot", "15:15")
	v.SetDefault("market.expiry_cutoff", "15:30")
	v.SetDefault("market.options_exchange", "NFO")
	v.SetDefault("market.underlying_exchange", "NSE")
	v.SetDefault("market.index_symbols", map[string]string{
		"NIFTY":      "NIFTY 50",
		"BANKNIFTY":  "NIFTY BANK",
		"FINNIFTY":   "NIFTY FIN SERVICE",
		"MIDCPNIFTY": "NIFTY MID SELECT",
	})

	v.SetDefault("pricing.tolerance", 1e-4)
	v.SetDefault("pricing.max_iterations", 100)
	v.SetDefault("pricing.fallback_volatility", 0.0)
	v.SetDefault("pricing.workers", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("postgres.driver", "postgres")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "optionpulse")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.sqlite_path", "optionpulse.db")
	v.SetDefault("postgres.host_parameter", "")
	v.SetDefault("postgres.user_parameter", "")
	v.SetDefault("postgres.password_parameter", "")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 30*time.Second)
}

func (c *Config) normalize() {
	// TARGET_UNDERLYINGS=" nifty, banknifty " is accepted.
	var targets []string
	for _, raw := range c.TargetUnderlyings {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.ToUpper(strings.TrimSpace(u)); u != "" {
				targets = append(targets, u)
			}
		}
	}
	c.TargetUnderlyings = targets

	// viper lower-cases map keys
	symbols := make(map[string]string, len(c.Market.IndexSymbols))
	for k, v := range c.Market.IndexSymbols {
		symbols[strings.ToUpper(k)] = v
	}
	c.Market.IndexSymbols = symbols
}

// Validate reports the first setting that makes a run impossible.
func (c *Config) Validate() error {
	switch {
	case len(c.TargetUnderlyings) == 0:
		return fmt.Errorf("%w: no target underlyings configured", ErrConfiguration)
	case c.RiskFreeRate < 0 || c.RiskFreeRate > 1:
		return fmt.Errorf("%w: risk_free_rate %v out of range [0,1]", ErrConfiguration, c.RiskFreeRate)
	case c.LookbackDays < 2:
		return fmt.Errorf("%w: lookback_days must be at least 2, got %d", ErrConfiguration, c.LookbackDays)
	case c.TrendThreshold < 0:
		return fmt.Errorf("%w: trend_threshold must not be negative", ErrConfiguration)
	case c.SignificantMoveThreshold < 0:
		return fmt.Errorf("%w: significant_move_threshold must not be negative", ErrConfiguration)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrConfiguration, c.BatchSize)
	case c.Pricing.Tolerance <= 0 || c.Pricing.MaxIterations <= 0:
		return fmt.Errorf("%w: pricing tolerance and max_iterations must be positive", ErrConfiguration)
	case c.Kite.QuoteSource != "rest" && c.Kite.QuoteSource != "ticker":
		return fmt.Errorf("%w: kite.quote_source must be rest or ticker, got %q", ErrConfiguration, c.Kite.QuoteSource)
	case c.Kite.QuoteChunkSize <= 0:
		return fmt.Errorf("%w: kite.quote_chunk_size must be positive", ErrConfiguration)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	for _, hm := range []string{c.Market.OpenSnapshot, c.Market.CloseSnapshot, c.Market.ExpiryCutoff} {
		if _, _, err := ParseClock(hm); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the market timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: market.timezone %q: %v", ErrConfiguration, c.Market.Timezone, err)
	}
	return loc, nil
}

// ParseClock parses an "HH:MM" wall-clock setting.
func ParseClock(hm string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", hm)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid clock %q (want HH:MM)", ErrConfiguration, hm)
	}
	return t.Hour(), t.Minute(), nil
}
