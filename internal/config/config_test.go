package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "markethistory", config.AppName)
	assert.Equal(t, "1.0.0", config.Version)
	assert.Equal(t, "https://www.cryptopia.co.nz", config.Feed.BaseURL)
	assert.Equal(t, "NEBL", config.Feed.Symbol)
	assert.Equal(t, "BTC", config.Feed.BaseCurrency)
	assert.Equal(t, "6m", config.Cache.UpdateInterval)
	assert.Equal(t, 6*time.Minute, config.Cache.UpdateIntervalDuration())
	assert.Equal(t, 30*time.Second, config.Feed.TimeoutDuration())
	assert.Equal(t, "memory", config.Storage.Type)
	assert.Equal(t, "1m", config.Aggregation.Granularity)
	assert.Equal(t, "info", config.Logging.Level)
	assert.False(t, config.Metrics.Enabled)
	assert.True(t, config.ErrorHandling.EnableCircuitBreaker)
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{name: "valid config passes validation", mutate: func(*AppConfig) {}},
		{
			name:    "missing base url fails",
			mutate:  func(c *AppConfig) { c.Feed.BaseURL = "" },
			wantErr: "feed.base_url is required",
		},
		{
			name:    "missing symbol fails",
			mutate:  func(c *AppConfig) { c.Feed.Symbol = "" },
			wantErr: "feed.symbol is required",
		},
		{
			name:    "negative hours fails",
			mutate:  func(c *AppConfig) { c.Feed.Hours = -1 },
			wantErr: "feed.hours must not be negative",
		},
		{
			name:    "invalid rate limit fails",
			mutate:  func(c *AppConfig) { c.Feed.RateLimit = 0 },
			wantErr: "feed.rate_limit must be greater than 0",
		},
		{
			name:    "invalid timeout fails",
			mutate:  func(c *AppConfig) { c.Feed.Timeout = "soon" },
			wantErr: "feed.timeout is not a valid duration",
		},
		{
			name:    "invalid update interval fails",
			mutate:  func(c *AppConfig) { c.Cache.UpdateInterval = "often" },
			wantErr: "cache.update_interval is not a valid duration",
		},
		{
			name:    "negative update interval fails",
			mutate:  func(c *AppConfig) { c.Cache.UpdateInterval = "-1m" },
			wantErr: "cache.update_interval must not be negative",
		},
		{
			name:    "unknown storage type fails",
			mutate:  func(c *AppConfig) { c.Storage.Type = "postgres" },
			wantErr: "storage.type must be one of",
		},
		{
			name: "duckdb requires database url",
			mutate: func(c *AppConfig) {
				c.Storage.Type = "duckdb"
				c.Storage.DatabaseURL = ""
			},
			wantErr: "storage.database_url is required",
		},
		{
			name:    "invalid log level fails",
			mutate:  func(c *AppConfig) { c.Logging.Level = "invalid" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "invalid log format fails",
			mutate:  func(c *AppConfig) { c.Logging.Format = "invalid" },
			wantErr: "logging.format must be one of",
		},
		{
			name:    "file output requires path",
			mutate:  func(c *AppConfig) { c.Logging.Output = "file" },
			wantErr: "logging.file_path is required",
		},
		{
			name: "metrics require address when enabled",
			mutate: func(c *AppConfig) {
				c.Metrics.Enabled = true
				c.Metrics.Addr = ""
			},
			wantErr: "metrics.addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := cm.validateConfig(config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigFromJSONFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.json")

	fileConfig := DefaultConfig()
	fileConfig.Feed.Symbol = "DOT"
	fileConfig.Cache.Dir = tempDir
	fileConfig.Aggregation.Granularity = "5m"

	data, err := json.Marshal(fileConfig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0o644))

	cm := NewConfigManager(configPath, slog.Default()).WithEnvFile("")
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "DOT", config.Feed.Symbol)
	assert.Equal(t, tempDir, config.Cache.Dir)
	assert.Equal(t, "5m", config.Aggregation.Granularity)
	assert.Equal(t, configPath, config.ConfigPath)
	assert.Same(t, config, cm.GetConfig())
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	yamlConfig := `
feed:
  symbol: ETN
  hours: 24
cache:
  update_interval: 10m
storage:
  type: duckdb
  database_url: ./trades.db
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlConfig), 0o644))

	config, err := NewConfigManager(configPath, nil).WithEnvFile("").LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ETN", config.Feed.Symbol)
	assert.Equal(t, 24, config.Feed.Hours)
	assert.Equal(t, "BTC", config.Feed.BaseCurrency, "unset fields keep defaults")
	assert.Equal(t, 10*time.Minute, config.Cache.UpdateIntervalDuration())
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "absent.json")

	config, err := NewConfigManager(configPath, nil).WithEnvFile("").LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Feed, config.Feed)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0o644))

	_, err := NewConfigManager(configPath, nil).WithEnvFile("").LoadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	envVars := map[string]string{
		"FEED_SYMBOL":           "nebl",
		"FEED_BASE_CURRENCY":    "usdt",
		"FEED_HOURS":            "48",
		"FEED_RATE_LIMIT":       "3",
		"CACHE_UPDATE_INTERVAL": "1m",
		"STORAGE_TYPE":          "duckdb",
		"DATABASE_URL":          ":memory:",
		"GRANULARITY":           "15m",
		"LOG_LEVEL":             "warn",
		"METRICS_ENABLED":       "true",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	config, err := NewConfigManager("", nil).WithEnvFile("").LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "NEBL", config.Feed.Symbol)
	assert.Equal(t, "USDT", config.Feed.BaseCurrency)
	assert.Equal(t, 48, config.Feed.Hours)
	assert.Equal(t, 3, config.Feed.RateLimit)
	assert.Equal(t, time.Minute, config.Cache.UpdateIntervalDuration())
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, ":memory:", config.Storage.DatabaseURL)
	assert.Equal(t, "15m", config.Aggregation.Granularity)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.True(t, config.Metrics.Enabled)

	t.Run("invalid number", func(t *testing.T) {
		t.Setenv("FEED_HOURS", "not-a-number")
		_, err := NewConfigManager("", nil).WithEnvFile("").LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "FEED_HOURS")
	})
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("FEED_SYMBOL=XMR\nGRANULARITY=30m\n"), 0o644))

	// godotenv sets variables on the process; register them for cleanup.
	t.Setenv("FEED_SYMBOL", "")
	t.Setenv("GRANULARITY", "")
	require.NoError(t, os.Unsetenv("FEED_SYMBOL"))
	require.NoError(t, os.Unsetenv("GRANULARITY"))

	config, err := NewConfigManager("", nil).WithEnvFile(envPath).LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "XMR", config.Feed.Symbol)
	assert.Equal(t, "30m", config.Aggregation.Granularity)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte("feed:\n  symbol: ETN\n"), 0o644))
	t.Setenv("FEED_SYMBOL", "DOT")

	config, err := NewConfigManager(configPath, nil).WithEnvFile("").LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DOT", config.Feed.Symbol)
}

func TestConfigString(t *testing.T) {
	out := DefaultConfig().String()

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "feed")
	assert.Contains(t, decoded, "cache")
	assert.NotContains(t, decoded, "ConfigPath")
}
