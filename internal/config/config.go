// Package config defines all configuration for the portfolio tracker.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRACKER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RedisConfig holds the connection to the Redis instance carrying the
// transaction event streams.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig holds the PostgreSQL connection and pool limits.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ConsumerConfig tunes the stream consumers.
//
//   - Group: consumer-group name, shared by all replicas.
//   - Name: this replica's consumer name; defaults to hostname plus a
//     random suffix when empty.
//   - CreatedStream / UpdatedStream / DeletedStream: the three source streams.
//   - BlockTimeout: how long a read blocks waiting for new entries.
//   - ReadCount: max entries fetched per read.
//   - BufferSize: in-process channel capacity between fetcher and workers.
//   - MaxReplayAttempts: replays of one message before it is acked and
//     dead-lettered.
//   - ReplayDelay: wait between replays of the same message.
//   - ReclaimMinIdle: pending entries idle longer than this are claimed from
//     dead consumers on startup.
//   - DLQSuffix: appended to the stream name to form its dead-letter stream.
type ConsumerConfig struct {
	Group             string        `mapstructure:"group"`
	Name              string        `mapstructure:"name"`
	CreatedStream     string        `mapstructure:"created_stream"`
	UpdatedStream     string        `mapstructure:"updated_stream"`
	DeletedStream     string        `mapstructure:"deleted_stream"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	ReadCount         int64         `mapstructure:"read_count"`
	BufferSize        int           `mapstructure:"buffer_size"`
	MaxReplayAttempts int           `mapstructure:"max_replay_attempts"`
	ReplayDelay       time.Duration `mapstructure:"replay_delay"`
	ReclaimMinIdle    time.Duration `mapstructure:"reclaim_min_idle"`
	DLQSuffix         string        `mapstructure:"dlq_suffix"`
}

// MarketDataConfig controls the optional market-price refresher. When
// disabled the tracker still records the last transaction price as the
// latest market price.
type MarketDataConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	WSURL           string        `mapstructure:"ws_url"`
	APIKey          string        `mapstructure:"api_key"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RequestsPerSec  float64       `mapstructure:"requests_per_sec"`
	Burst           int           `mapstructure:"burst"`
}

// OpsConfig controls the operational HTTP server (health and metrics).
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRACKER_DATABASE_DSN, TRACKER_REDIS_PASSWORD,
// TRACKER_MARKETDATA_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("TRACKER_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if pass := os.Getenv("TRACKER_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if key := os.Getenv("TRACKER_MARKETDATA_API_KEY"); key != "" {
		cfg.MarketData.APIKey = key
	}

	// Each replica needs a distinct consumer name within the group; a random
	// suffix keeps restarted replicas from colliding with their own stale
	// pending entries.
	if cfg.Consumer.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "tracker"
		}
		cfg.Consumer.Name = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate", true)
	v.SetDefault("consumer.group", "portfolio-consumers")
	v.SetDefault("consumer.created_stream", "transaction:created")
	v.SetDefault("consumer.updated_stream", "transaction:updated")
	v.SetDefault("consumer.deleted_stream", "transaction:deleted")
	v.SetDefault("consumer.block_timeout", 5*time.Second)
	v.SetDefault("consumer.read_count", 50)
	v.SetDefault("consumer.buffer_size", 256)
	v.SetDefault("consumer.max_replay_attempts", 3)
	v.SetDefault("consumer.replay_delay", 10*time.Second)
	v.SetDefault("consumer.reclaim_min_idle", time.Minute)
	v.SetDefault("consumer.dlq_suffix", "dlq")
	v.SetDefault("marketdata.refresh_interval", time.Minute)
	v.SetDefault("marketdata.requests_per_sec", 5)
	v.SetDefault("marketdata.burst", 10)
	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.port", 9090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set TRACKER_DATABASE_DSN)")
	}
	if c.Consumer.Group == "" {
		return fmt.Errorf("consumer.group is required")
	}
	for _, s := range []struct{ name, value string }{
		{"consumer.created_stream", c.Consumer.CreatedStream},
		{"consumer.updated_stream", c.Consumer.UpdatedStream},
		{"consumer.deleted_stream", c.Consumer.DeletedStream},
	} {
		if s.value == "" {
			return fmt.Errorf("%s is required", s.name)
		}
	}
	if c.Consumer.ReadCount <= 0 {
		return fmt.Errorf("consumer.read_count must be > 0")
	}
	if c.Consumer.MaxReplayAttempts <= 0 {
		return fmt.Errorf("consumer.max_replay_attempts must be > 0")
	}
	if c.MarketData.Enabled && c.MarketData.BaseURL == "" {
		return fmt.Errorf("marketdata.base_url is required when marketdata.enabled")
	}
	return nil
}
