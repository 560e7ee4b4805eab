package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Storage backend names accepted by Config.Storage.Backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// DefaultPath is where Load looks for the YAML config file.
const DefaultPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Storage   StorageConfig   `koanf:"storage"`
	Crypto    CryptoConfig    `koanf:"crypto"`
	Detection DetectionConfig `koanf:"detection"`
	Access    AccessConfig    `koanf:"access"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// StorageConfig selects the durable store backing the audit trail, token
// vault, and session registry.
type StorageConfig struct {
	Backend string `koanf:"backend"`
}

// CryptoConfig carries the key-derivation settings. MasterKey is the only
// setting without a default; the engine refuses to start without it.
type CryptoConfig struct {
	MasterKey   string        `koanf:"master_key"`
	Iterations  int           `koanf:"iterations"`
	KeyCacheTTL time.Duration `koanf:"key_cache_ttl"`
}

// DetectionConfig points at an optional YAML pattern catalog. An empty path
// selects the built-in catalog.
type DetectionConfig struct {
	CatalogPath string `koanf:"catalog_path"`
}

type AccessConfig struct {
	ConsentSecret     string        `koanf:"consent_secret"`
	SessionTTL        time.Duration `koanf:"session_ttl"`
	FailuresPerMinute int           `koanf:"failures_per_minute"`
	FailureBurst      int           `koanf:"failure_burst"`
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// Load reads defaults, then the default YAML file when present, then
// PHI_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadFromFile(DefaultPath)
}

// LoadFromFile is Load with an explicit YAML path. The file is optional;
// environment variables always apply last.
func LoadFromFile(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB:           0,
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Crypto: CryptoConfig{
			Iterations:  100_000,
			KeyCacheTTL: 5 * time.Minute,
		},
		Access: AccessConfig{
			SessionTTL:        8 * time.Hour,
			FailuresPerMinute: 5,
			FailureBurst:      10,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	if path != "" {
		_ = k.Load(file.Provider(path), yaml.Parser())
	}

	// Double underscores separate nesting levels so snake_case keys survive:
	// PHI_CRYPTO__MASTER_KEY -> crypto.master_key.
	if err := k.Load(env.Provider("PHI_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, "PHI_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that would misbehave at runtime. The master key
// is deliberately not checked here: only the engine requires it, and tools
// like the migrator load config without one.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Access.SessionTTL <= 0 || c.Access.SessionTTL > 8*time.Hour {
		return fmt.Errorf("access session TTL must be positive and at most 8h, got %s", c.Access.SessionTTL)
	}
	if c.Access.FailuresPerMinute <= 0 {
		return fmt.Errorf("access failures per minute must be positive")
	}
	if c.Access.FailureBurst <= 0 {
		return fmt.Errorf("access failure burst must be positive")
	}

	if c.Crypto.Iterations < 100_000 {
		return fmt.Errorf("crypto iterations must be at least 100000, got %d", c.Crypto.Iterations)
	}
	if c.Crypto.KeyCacheTTL <= 0 {
		return fmt.Errorf("crypto key cache TTL must be positive")
	}

	if c.Storage.Backend == BackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis storage backend requires redis.addr")
	}
	if c.Storage.Backend == BackendPostgres && c.Database.URL == "" {
		return fmt.Errorf("postgres storage backend requires database.url")
	}

	return nil
}
