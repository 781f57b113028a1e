package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Goldflow  GoldflowConfig  `yaml:"goldflow"`
	Source    SourceConfig    `yaml:"source"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`

	notional decimal.Decimal
}

type GoldflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Symbol         string               `yaml:"symbol"`
	Pair           string               `yaml:"pair"`
	DepthLimit     int                  `yaml:"depth_limit"`
	ValidateSymbol bool                 `yaml:"validate_symbol"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type MonitorConfig struct {
	TickPeriod         time.Duration `yaml:"tick_period"`
	OpenInterestPeriod time.Duration `yaml:"open_interest_period"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	NotionalOunces     string        `yaml:"notional_ounces"`
	ReportInterval     time.Duration `yaml:"report_interval"`
}

type WriterConfig struct {
	OutputDir string `yaml:"output_dir"`
	// Streams maps a stream name to an explicit file path, overriding the
	// default <output_dir>/<stream>.jsonl destination.
	Streams map[string]string `yaml:"streams"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Compression     string        `yaml:"compression"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Defaults mirrored from the original deployment: 1m base cadence, 5m open
// interest, 2 troy ounces of walk notional.
const (
	DefaultBaseURL            = "https://fapi.binance.com"
	DefaultTickPeriod         = time.Minute
	DefaultOpenInterestPeriod = 5 * time.Minute
	DefaultFetchTimeout       = 10 * time.Second
	DefaultNotionalOunces     = "2"
	DefaultDepthLimit         = 100
	DefaultOutputDir          = "binance/paxg-future"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Source.Binance.BaseURL == "" {
		cfg.Source.Binance.BaseURL = DefaultBaseURL
	}
	if cfg.Source.Binance.Pair == "" {
		cfg.Source.Binance.Pair = cfg.Source.Binance.Symbol
	}
	if cfg.Source.Binance.DepthLimit <= 0 {
		cfg.Source.Binance.DepthLimit = DefaultDepthLimit
	}
	if cfg.Source.Binance.RateLimit.RequestsPerSecond <= 0 {
		cfg.Source.Binance.RateLimit.RequestsPerSecond = 5
	}
	if cfg.Source.Binance.RateLimit.BurstSize <= 0 {
		cfg.Source.Binance.RateLimit.BurstSize = 10
	}
	if cfg.Monitor.TickPeriod == 0 {
		cfg.Monitor.TickPeriod = DefaultTickPeriod
	}
	if cfg.Monitor.OpenInterestPeriod == 0 {
		cfg.Monitor.OpenInterestPeriod = DefaultOpenInterestPeriod
	}
	if cfg.Monitor.FetchTimeout == 0 {
		cfg.Monitor.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Monitor.NotionalOunces == "" {
		cfg.Monitor.NotionalOunces = DefaultNotionalOunces
	}
	if cfg.Monitor.ReportInterval == 0 {
		cfg.Monitor.ReportInterval = 30 * time.Second
	}
	if cfg.Writer.OutputDir == "" {
		cfg.Writer.OutputDir = DefaultOutputDir
	}
	if cfg.Storage.S3.FlushInterval == 0 {
		cfg.Storage.S3.FlushInterval = time.Hour
	}
	if cfg.Dashboard.Address == "" {
		cfg.Dashboard.Address = ":8880"
	}
}

var symbolRegexp = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

func validateConfig(cfg *Config) error {
	if cfg.Goldflow.Name == "" {
		return fmt.Errorf("goldflow.name is required")
	}
	if cfg.Goldflow.Version == "" {
		return fmt.Errorf("goldflow.version is required")
	}

	if !symbolRegexp.MatchString(cfg.Source.Binance.Symbol) {
		return fmt.Errorf("source.binance.symbol '%s' is invalid", cfg.Source.Binance.Symbol)
	}
	if !symbolRegexp.MatchString(cfg.Source.Binance.Pair) {
		return fmt.Errorf("source.binance.pair '%s' is invalid", cfg.Source.Binance.Pair)
	}

	if cfg.Monitor.TickPeriod <= 0 {
		return fmt.Errorf("monitor.tick_period must be greater than 0")
	}
	if cfg.Monitor.OpenInterestPeriod < cfg.Monitor.TickPeriod {
		return fmt.Errorf("monitor.open_interest_period must not be shorter than monitor.tick_period")
	}
	if cfg.Monitor.FetchTimeout <= 0 {
		return fmt.Errorf("monitor.fetch_timeout must be greater than 0")
	}
	// A fetch must not be able to stall its own stream past the next tick.
	if cfg.Monitor.FetchTimeout >= cfg.Monitor.TickPeriod {
		return fmt.Errorf("monitor.fetch_timeout must be shorter than monitor.tick_period")
	}

	notional, err := decimal.NewFromString(cfg.Monitor.NotionalOunces)
	if err != nil {
		return fmt.Errorf("monitor.notional_ounces '%s' is not a decimal: %w", cfg.Monitor.NotionalOunces, err)
	}
	if notional.Sign() <= 0 {
		return fmt.Errorf("monitor.notional_ounces must be greater than 0")
	}
	cfg.notional = notional

	if cfg.Writer.OutputDir == "" {
		return fmt.Errorf("writer.output_dir is required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

// NotionalTarget returns the parsed depth-walk target quantity.
func (c *Config) NotionalTarget() decimal.Decimal {
	if c.notional.Sign() <= 0 {
		// Config built by hand (tests); fall back to parsing the field.
		if d, err := decimal.NewFromString(c.Monitor.NotionalOunces); err == nil {
			return d
		}
		return decimal.RequireFromString(DefaultNotionalOunces)
	}
	return c.notional
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
