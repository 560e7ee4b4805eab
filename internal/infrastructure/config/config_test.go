package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Version)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 100_000, cfg.Crypto.Iterations)
	assert.Equal(t, 5*time.Minute, cfg.Crypto.KeyCacheTTL)
	assert.Equal(t, 8*time.Hour, cfg.Access.SessionTTL)
	assert.Equal(t, 5, cfg.Access.FailuresPerMinute)
	assert.Equal(t, 10, cfg.Access.FailureBurst)
	assert.Empty(t, cfg.Crypto.MasterKey)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PHI_LOG_LEVEL", "debug")
	t.Setenv("PHI_SERVER__PORT", "9090")
	t.Setenv("PHI_CRYPTO__MASTER_KEY", "test-master-key")
	t.Setenv("PHI_STORAGE__BACKEND", "redis")
	t.Setenv("PHI_REDIS__ADDR", "localhost:6379")

	cfg, err := LoadFromFile("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "test-master-key", cfg.Crypto.MasterKey)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment: production
log_level: warn
server:
  port: 8443
crypto:
  master_key: file-master-key
  iterations: 150000
access:
  session_ttl: 4h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "file-master-key", cfg.Crypto.MasterKey)
	assert.Equal(t, 150_000, cfg.Crypto.Iterations)
	assert.Equal(t, 4*time.Hour, cfg.Access.SessionTTL)
	// Unset keys keep their defaults.
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadFromFile("does/not/exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadFromFile("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "etcd" },
			wantErr: "unknown storage backend",
		},
		{
			name:    "session ttl over ceiling",
			mutate:  func(c *Config) { c.Access.SessionTTL = 9 * time.Hour },
			wantErr: "session TTL",
		},
		{
			name:    "session ttl zero",
			mutate:  func(c *Config) { c.Access.SessionTTL = 0 },
			wantErr: "session TTL",
		},
		{
			name:    "weak iterations",
			mutate:  func(c *Config) { c.Crypto.Iterations = 50_000 },
			wantErr: "iterations",
		},
		{
			name:    "redis backend without addr",
			mutate:  func(c *Config) { c.Storage.Backend = BackendRedis },
			wantErr: "redis.addr",
		},
		{
			name:    "postgres backend without url",
			mutate:  func(c *Config) { c.Storage.Backend = BackendPostgres },
			wantErr: "database.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
