package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tickflow/internal/symbols"
	"tickflow/models"
)

type Config struct {
	Tickflow  TickflowConfig  `yaml:"tickflow"`
	Source    SourceConfig    `yaml:"source"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sink      SinkConfig      `yaml:"sink"`
	Storage   StorageConfig   `yaml:"storage"`
	Query     QueryConfig     `yaml:"query"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	BaseURL         string               `yaml:"base_url"`
	Symbol          string               `yaml:"symbol"`
	DepthLimit      int                  `yaml:"depth_limit"`
	TradeLimit      int                  `yaml:"trade_limit"`
	Timeout         time.Duration        `yaml:"timeout"`
	ConnectionPool  ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
	WeightWarnRatio float64              `yaml:"weight_warn_ratio"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// RateLimitConfig caps outbound requests. RequestsPerSecond <= 0 disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type SchedulerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ConcurrentFetch bool          `yaml:"concurrent_fetch"`
	MaxCycles       int           `yaml:"max_cycles"`
}

type SinkConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type ClickHouseConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Database string        `yaml:"database"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	Tables   models.Tables `yaml:"tables"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Compression     string        `yaml:"compression"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type QueryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	Mode       string `yaml:"mode"`
	Persist    bool   `yaml:"persist"`
	LogHistory int    `yaml:"log_history"`
}

const (
	QueryModeFresh  = "fresh"
	QueryModeCached = "cached"
)

type MetricsConfig struct {
	Prometheus     bool             `yaml:"prometheus"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() Config {
	return Config{
		Tickflow: TickflowConfig{Name: "tickflow", Version: "1.0.0"},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				BaseURL:    "https://api.binance.com",
				Symbol:     "BTCUSDT",
				DepthLimit: 10,
				TradeLimit: 20,
				Timeout:    10 * time.Second,
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    10,
					MaxConnsPerHost: 10,
					IdleConnTimeout: 90 * time.Second,
				},
				RateLimit:       RateLimitConfig{BurstSize: 1},
				WeightWarnRatio: 0.8,
			},
		},
		Scheduler: SchedulerConfig{Interval: 500 * time.Millisecond},
		Sink: SinkConfig{
			ClickHouse: ClickHouseConfig{
				Endpoint: "http://localhost:8123/",
				Timeout:  5 * time.Second,
				Tables:   models.DefaultTables(),
			},
		},
		Storage: StorageConfig{
			S3:    S3Config{Prefix: "tickflow", FlushInterval: time.Minute, Compression: "snappy"},
			Kafka: KafkaConfig{Topic: "tickflow.rows"},
		},
		Query:   QueryConfig{Address: "0.0.0.0:8080", Mode: QueryModeFresh, Persist: true, LogHistory: 200},
		Metrics: MetricsConfig{Prometheus: true, ReportInterval: 30 * time.Second, CloudWatch: CloudWatchConfig{Namespace: "tickflow"}},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Source.Binance.Symbol = symbols.Normalize(config.Source.Binance.Symbol)
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// LoadDefaults builds the configuration from Default and the environment
// alone, for running without a config file.
func LoadDefaults() (*Config, error) {
	config := Default()
	applyEnvOverrides(&config)
	config.Source.Binance.Symbol = symbols.Normalize(config.Source.Binance.Symbol)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("TICKFLOW_SYMBOL"); v != "" {
		config.Source.Binance.Symbol = strings.TrimSpace(v)
	}
	if v := os.Getenv("CLICKHOUSE_ENDPOINT"); v != "" {
		config.Sink.ClickHouse.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("CLICKHOUSE_USER"); v != "" {
		config.Sink.ClickHouse.User = strings.TrimSpace(v)
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		config.Sink.ClickHouse.Password = v
	}

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
}

var identRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}

	src := cfg.Source.Binance
	if err := validateHTTPURL(src.BaseURL); err != nil {
		return fmt.Errorf("source.binance.base_url: %w", err)
	}
	if src.Symbol == "" {
		return fmt.Errorf("source.binance.symbol is required")
	}
	if src.DepthLimit <= 0 {
		return fmt.Errorf("source.binance.depth_limit must be greater than 0")
	}
	if src.TradeLimit <= 0 {
		return fmt.Errorf("source.binance.trade_limit must be greater than 0")
	}
	if src.Timeout <= 0 {
		return fmt.Errorf("source.binance.timeout must be greater than 0")
	}
	if src.RateLimit.RequestsPerSecond > 0 && src.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("source.binance.rate_limit.burst_size must be greater than 0")
	}

	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than 0")
	}
	if cfg.Scheduler.MaxCycles < 0 {
		return fmt.Errorf("scheduler.max_cycles must not be negative")
	}

	ch := cfg.Sink.ClickHouse
	if err := validateHTTPURL(ch.Endpoint); err != nil {
		return fmt.Errorf("sink.clickhouse.endpoint: %w", err)
	}
	if ch.Timeout <= 0 {
		return fmt.Errorf("sink.clickhouse.timeout must be greater than 0")
	}
	for key, name := range map[string]string{
		"price":  ch.Tables.Price,
		"bids":   ch.Tables.Bids,
		"asks":   ch.Tables.Asks,
		"trades": ch.Tables.Trades,
	} {
		if !identRegexp.MatchString(name) {
			return fmt.Errorf("sink.clickhouse.tables.%s '%s' is not a valid table name", key, name)
		}
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
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when Kafka is enabled")
		}
	}

	if cfg.Query.Enabled {
		switch cfg.Query.Mode {
		case QueryModeFresh, QueryModeCached:
		default:
			return fmt.Errorf("query.mode '%s' must be '%s' or '%s'", cfg.Query.Mode, QueryModeFresh, QueryModeCached)
		}
		if strings.Contains(cfg.Query.Address, "/") {
			return fmt.Errorf("query.address '%s' must be host:port, :port or a bare host", cfg.Query.Address)
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("'%s' is not an absolute http(s) URL", raw)
	}
	return nil
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
