package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/refmode"
	"gopkg.in/yaml.v3"
)

// Backing store kinds
const (
	BackingMemory   = "memory"
	BackingRedis    = "redis"
	BackingPostgres = "postgres"
)

// Callback token strategies
const (
	TokensRandom    = "random"
	TokensMonotonic = "monotonic"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig holds reference-mode store configuration
type StoreConfig struct {
	Kind string `yaml:"kind"`
	// Key is a reference-mode://{backing}{container} key; it sets BackingKey and ContainerKey
	Key                    string        `yaml:"key"`
	ContainerKey           string        `yaml:"container_key"`
	BackingKey             string        `yaml:"backing_key"`
	SyncTimeout            time.Duration `yaml:"sync_timeout"`
	ModelUpdateConcurrency int           `yaml:"model_update_concurrency"`
	Tokens                 string        `yaml:"tokens"`
}

// BackingConfig holds backing store configuration
type BackingConfig struct {
	Type        string `yaml:"type"`
	AsyncWrites bool   `yaml:"async_writes"`
}

// RedisConfig holds Redis backing store configuration
type RedisConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	PoolSize  int           `yaml:"pool_size"`
}

// PostgresConfig holds PostgreSQL backing store configuration
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConnections int32  `yaml:"max_connections"`
}

// CacheConfig holds entity cache configuration
type CacheConfig struct {
	MaxSize         int64   `yaml:"max_size"`
	FrequencyWeight float64 `yaml:"frequency_weight"`
	RecencyWeight   float64 `yaml:"recency_weight"`
}

// WorkerPoolConfig holds the backing-write worker pool configuration
type WorkerPoolConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a refstore node
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Backing    BackingConfig    `yaml:"backing"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Cache      CacheConfig      `yaml:"cache"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoadConfig loads configuration from a file. Environment variables override file values.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and defaults, and validates
// the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	if err := applyStorageKey(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: store.key: %w", err)
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("REFSTORE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if backing := os.Getenv("REFSTORE_BACKING"); backing != "" {
		cfg.Backing.Type = backing
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Redis.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Redis.Port = p
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if key := os.Getenv("REFSTORE_STORE_KEY"); key != "" {
		cfg.Store.Key = key
	}
}

// applyStorageKey splits store.key into the backing and container keys. Separately
// configured keys must agree with it.
func applyStorageKey(cfg *Config) error {
	if cfg.Store.Key == "" {
		return nil
	}
	key, err := model.ParseReferenceModeStorageKey(cfg.Store.Key)
	if err != nil {
		return err
	}
	if cfg.Store.BackingKey != "" && cfg.Store.BackingKey != string(key.BackingKey) {
		return fmt.Errorf("backing key %q conflicts with store.backing_key %q", key.BackingKey, cfg.Store.BackingKey)
	}
	if cfg.Store.ContainerKey != "" && cfg.Store.ContainerKey != string(key.StorageKey) {
		return fmt.Errorf("container key %q conflicts with store.container_key %q", key.StorageKey, cfg.Store.ContainerKey)
	}
	cfg.Store.BackingKey = string(key.BackingKey)
	cfg.Store.ContainerKey = string(key.StorageKey)
	return nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50053
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Store.Kind == "" {
		cfg.Store.Kind = "set"
	}
	if cfg.Store.SyncTimeout == 0 {
		cfg.Store.SyncTimeout = 30 * time.Second
	}
	if cfg.Store.ModelUpdateConcurrency == 0 {
		cfg.Store.ModelUpdateConcurrency = 8
	}
	if cfg.Store.Tokens == "" {
		cfg.Store.Tokens = TokensRandom
	}

	if cfg.Backing.Type == "" {
		cfg.Backing.Type = BackingMemory
	}
	if cfg.Store.BackingKey == "" {
		cfg.Store.BackingKey = cfg.Backing.Type + "://" + cfg.Server.NodeID + "/entities"
	}
	if cfg.Store.ContainerKey == "" {
		cfg.Store.ContainerKey = "memory://" + cfg.Server.NodeID + "/container"
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "refstore:entity:"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 100
	}

	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 10
	}

	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 64 << 20 // 64MB
	}
	if cfg.Cache.FrequencyWeight == 0 {
		cfg.Cache.FrequencyWeight = 0.5
	}
	if cfg.Cache.RecencyWeight == 0 {
		cfg.Cache.RecencyWeight = 0.5
	}

	if cfg.WorkerPool.MaxWorkers == 0 {
		cfg.WorkerPool.MaxWorkers = 8
	}
	if cfg.WorkerPool.QueueSize == 0 {
		cfg.WorkerPool.QueueSize = 1000
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if _, err := refmode.ParseContainerKind(c.Store.Kind); err != nil {
		return fmt.Errorf("store.kind: %w", err)
	}
	if c.Store.SyncTimeout < 0 {
		return fmt.Errorf("store.sync_timeout must not be negative")
	}
	switch c.Store.Tokens {
	case TokensRandom, TokensMonotonic:
	default:
		return fmt.Errorf("store.tokens must be one of: %s, %s", TokensRandom, TokensMonotonic)
	}

	switch c.Backing.Type {
	case BackingMemory:
	case BackingRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required")
		}
	case BackingPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required")
		}
	default:
		return fmt.Errorf("backing.type must be one of: %s, %s, %s", BackingMemory, BackingRedis, BackingPostgres)
	}

	if c.Cache.FrequencyWeight < 0 || c.Cache.RecencyWeight < 0 {
		return fmt.Errorf("cache weights must not be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}

// RedisAddr returns the host:port of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ContainerKind returns the parsed store kind
func (c *Config) ContainerKind() refmode.ContainerKind {
	kind, _ := refmode.ParseContainerKind(c.Store.Kind)
	return kind
}
