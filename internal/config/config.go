// Package config loads service configuration from a YAML file and
// ANALYTICS_-prefixed environment variables, env winning over file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the analytics service.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Prices   PricesConfig   `mapstructure:"prices"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Key prefix for processed-transaction idempotency markers.
	TransactionKeyPrefix string `mapstructure:"transaction_key_prefix"`
	PriceHashKey         string `mapstructure:"price_hash_key"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerTopic string   `mapstructure:"consumer_topic"`
	ProducerTopic string   `mapstructure:"producer_topic"`
	GroupID       string   `mapstructure:"group_id"`
}

type OutboxConfig struct {
	MinBatch      int           `mapstructure:"min_batch"`
	MaxBatch      int           `mapstructure:"max_batch"`
	TargetLatency time.Duration `mapstructure:"target_latency"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

type PricesConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// JobsConfig holds per-job trigger intervals and freshness windows.
type JobsConfig struct {
	PriceRefreshInterval time.Duration `mapstructure:"price_refresh_interval"`
	RiskInterval         time.Duration `mapstructure:"risk_interval"`
	PnlInterval          time.Duration `mapstructure:"pnl_interval"`
	ValuationInterval    time.Duration `mapstructure:"valuation_interval"`
	HealthProbeInterval  time.Duration `mapstructure:"health_probe_interval"`

	RiskFreshness      time.Duration `mapstructure:"risk_freshness"`
	PnlFreshness       time.Duration `mapstructure:"pnl_freshness"`
	ValuationFreshness time.Duration `mapstructure:"valuation_freshness"`
}

// Load reads configuration; path may be empty, in which case only defaults and
// environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("ANALYTICS")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8085")

	v.SetDefault("database.dsn", "host=localhost user=analytics dbname=analytics port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.transaction_key_prefix", "transaction:")
	v.SetDefault("redis.price_hash_key", "prices")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_topic", "transactions")
	v.SetDefault("kafka.producer_topic", "risk-events")
	v.SetDefault("kafka.group_id", "analytics")

	v.SetDefault("outbox.min_batch", 10)
	v.SetDefault("outbox.max_batch", 500)
	v.SetDefault("outbox.target_latency", 200*time.Millisecond)
	v.SetDefault("outbox.poll_interval", time.Second)

	v.SetDefault("prices.base_url", "http://localhost:8090")
	v.SetDefault("prices.fetch_timeout", 3*time.Second)

	v.SetDefault("jobs.price_refresh_interval", 30*time.Second)
	v.SetDefault("jobs.risk_interval", 30*time.Second)
	v.SetDefault("jobs.pnl_interval", 30*time.Second)
	v.SetDefault("jobs.valuation_interval", time.Hour)
	v.SetDefault("jobs.health_probe_interval", 5*time.Second)

	v.SetDefault("jobs.risk_freshness", time.Minute)
	v.SetDefault("jobs.pnl_freshness", time.Minute)
	v.SetDefault("jobs.valuation_freshness", 23*time.Hour)
}

func validate(cfg *Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if cfg.Outbox.MinBatch <= 0 || cfg.Outbox.MaxBatch < cfg.Outbox.MinBatch {
		return fmt.Errorf("outbox batch bounds invalid: min=%d max=%d", cfg.Outbox.MinBatch, cfg.Outbox.MaxBatch)
	}
	if cfg.Outbox.TargetLatency <= 0 {
		return fmt.Errorf("outbox.target_latency must be positive")
	}
	if cfg.Prices.FetchTimeout <= 0 {
		return fmt.Errorf("prices.fetch_timeout must be positive")
	}
	return nil
}
