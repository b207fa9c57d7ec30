// Package config provides configuration loading and management for CostWatch.
// It supports loading configuration from YAML files with sensible defaults
// for every unset field.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageMode represents the storage backend mode.
type StorageMode string

const (
	// StorageModeMemory uses in-memory implementations for all storage.
	StorageModeMemory StorageMode = "memory"
	// StorageModeStorage uses real storage backends (BadgerDB/Redis, Kafka, PostgreSQL).
	StorageModeStorage StorageMode = "storage"
)

// IsValid returns true if the storage mode is valid.
func (m StorageMode) IsValid() bool {
	return m == StorageModeMemory || m == StorageModeStorage
}

// KVBackend selects the key-value store used in storage mode.
type KVBackend string

const (
	// KVBackendBadger uses an embedded BadgerDB under storage.data_dir.
	KVBackendBadger KVBackend = "badger"
	// KVBackendRedis uses an external Redis instance.
	KVBackendRedis KVBackend = "redis"
)

// Config represents the complete application configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Cache    CacheConfig    `yaml:"cache"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
	Logger   LoggerConfig   `yaml:"logger"`
}

// StorageConfig holds the storage mode and local data directory settings.
type StorageConfig struct {
	Mode StorageMode `yaml:"mode"`

	// KVBackend selects the key-value store in storage mode.
	KVBackend KVBackend `yaml:"kv_backend"`

	// DataDir is the root directory for local files: the embedded
	// key-value store, exports and any scratch data.
	DataDir string `yaml:"data_dir"`

	// QuotaBytes is the soft storage quota used for percentage
	// reporting and auto-cleanup decisions.
	QuotaBytes int64 `yaml:"quota_bytes"`

	// PurgeGrace is how long PurgeAll waits after closing handles
	// before removing files.
	PurgeGrace time.Duration `yaml:"purge_grace"`
}

// UseMemory returns true if in-memory storage should be used.
func (c *StorageConfig) UseMemory() bool {
	return c.Mode == StorageModeMemory
}

// UseStorage returns true if real storage backends should be used.
func (c *StorageConfig) UseStorage() bool {
	return c.Mode == StorageModeStorage
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// KafkaConfig holds Kafka connection and topic settings.
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	ConsumerGroup  string   `yaml:"consumer_group"`
	PartitionCount int      `yaml:"partition_count"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int32  `yaml:"max_open_conns"`
	MaxIdleConns int32  `yaml:"max_idle_conns"`
}

// CacheConfig holds aggregation cache and query orchestration settings.
type CacheConfig struct {
	// DefaultTTL is the lifetime of a cache entry after which it is
	// treated as expired.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// StaleTime is the age after which an entry is still served but
	// eligible for background refresh. Must be below DefaultTTL.
	StaleTime time.Duration `yaml:"stale_time"`

	// BackgroundRefresh enables stale-while-revalidate refreshes.
	// Defaults to enabled.
	BackgroundRefresh *bool `yaml:"background_refresh"`
}

// RefreshInBackground reports whether stale entries are refreshed in the
// background (default true).
func (c *CacheConfig) RefreshInBackground() bool {
	return c.BackgroundRefresh == nil || *c.BackgroundRefresh
}

// AnomalyConfig holds anomaly detection session settings.
type AnomalyConfig struct {
	// WindowDays is how far back detection looks for each run.
	WindowDays int `yaml:"window_days"`

	// RefreshInterval is the cadence of scheduled detection runs.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Sensitivity scales scoring aggressiveness in [0,1].
	Sensitivity float64 `yaml:"sensitivity"`

	// Threshold is the minimum combined score for an anomaly.
	Threshold float64 `yaml:"threshold"`

	// SeasonalAdjustment enables the day-of-week pattern method.
	SeasonalAdjustment *bool `yaml:"seasonal_adjustment"`
}

// Seasonal reports whether seasonal adjustment is enabled (default true).
func (c *AnomalyConfig) Seasonal() bool {
	return c.SeasonalAdjustment == nil || *c.SeasonalAdjustment
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads configuration from the specified YAML file path.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	// Clean the path to prevent path traversal attacks
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for any unset values
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	// Storage defaults
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = StorageModeMemory
	}
	if cfg.Storage.KVBackend == "" {
		cfg.Storage.KVBackend = KVBackendBadger
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.QuotaBytes == 0 {
		cfg.Storage.QuotaBytes = 2 << 30 // 2 GiB
	}
	if cfg.Storage.PurgeGrace == 0 {
		cfg.Storage.PurgeGrace = 250 * time.Millisecond
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "costwatch-usage"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "costwatch-processor"
	}
	if cfg.Kafka.PartitionCount == 0 {
		cfg.Kafka.PartitionCount = 32
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 25
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}

	// Cache defaults: serve-while-stale within a 1h lifetime.
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = time.Hour
	}
	if cfg.Cache.StaleTime == 0 {
		cfg.Cache.StaleTime = 15 * time.Minute
	}
	if cfg.Cache.StaleTime > cfg.Cache.DefaultTTL {
		cfg.Cache.StaleTime = cfg.Cache.DefaultTTL
	}

	// Anomaly defaults
	if cfg.Anomaly.WindowDays == 0 {
		cfg.Anomaly.WindowDays = 30
	}
	if cfg.Anomaly.RefreshInterval == 0 {
		cfg.Anomaly.RefreshInterval = time.Hour
	}
	if cfg.Anomaly.Sensitivity == 0 {
		cfg.Anomaly.Sensitivity = 0.3
	}
	if cfg.Anomaly.Threshold == 0 {
		cfg.Anomaly.Threshold = 0.6
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
