// Package config provides centralized configuration management for the market
// history tool. Configuration is layered: built-in defaults, then a JSON or
// YAML file, then a .env file, then process environment variables. Every
// component receives its section explicitly; nothing reads configuration from
// package-level state.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Feed          FeedConfig          `json:"feed" yaml:"feed"`
	Cache         CacheConfig         `json:"cache" yaml:"cache"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Aggregation   AggregationConfig   `json:"aggregation" yaml:"aggregation"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling" yaml:"error_handling"`
}

// FeedConfig configures the remote market history API
type FeedConfig struct {
	BaseURL      string `json:"base_url" yaml:"base_url"`             // API root, e.g. https://www.cryptopia.co.nz
	Symbol       string `json:"symbol" yaml:"symbol"`                 // Default market symbol, e.g. NEBL
	BaseCurrency string `json:"base_currency" yaml:"base_currency"`   // Quote side of the market, e.g. BTC
	Hours        int    `json:"hours" yaml:"hours"`                   // History depth requested, 0 for API default
	Timeout      string `json:"timeout" yaml:"timeout"`               // HTTP request timeout
	RateLimit    int    `json:"rate_limit" yaml:"rate_limit"`         // Requests per second
	UserAgent    string `json:"user_agent" yaml:"user_agent"`         // User-Agent header
	HealthSymbol string `json:"health_symbol" yaml:"health_symbol"`   // Market used by health checks
}

// CacheConfig configures the on-disk snapshot cache
type CacheConfig struct {
	Dir            string `json:"dir" yaml:"dir"`                         // Directory holding one file per market
	UpdateInterval string `json:"update_interval" yaml:"update_interval"` // Age after which a snapshot is refetched
}

// StorageConfig configures trade persistence
type StorageConfig struct {
	Type        string `json:"type" yaml:"type"`                 // "duckdb", "memory"
	DatabaseURL string `json:"database_url" yaml:"database_url"` // DuckDB file path or ":memory:"
	Persist     bool   `json:"persist" yaml:"persist"`           // Store every loaded snapshot
}

// AggregationConfig configures default window settings
type AggregationConfig struct {
	Granularity        string `json:"granularity" yaml:"granularity"`                   // Default window width, e.g. "5m"
	DropPartialLeading bool   `json:"drop_partial_leading" yaml:"drop_partial_leading"` // Drop a first bucket the feed only partly covers
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`             // debug, info, warn, error
	Format        string            `json:"format" yaml:"format"`           // json, text
	Output        string            `json:"output" yaml:"output"`           // stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age"`         // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures metrics exposure
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"` // Listen address, e.g. ":9090"
	Path    string `json:"path" yaml:"path"`
}

// ErrorHandlingConfig configures error handling and retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy    RetryPolicyConfig            `json:"global_retry_policy" yaml:"global_retry_policy"`
	ComponentPolicies    map[string]RetryPolicyConfig `json:"component_policies" yaml:"component_policies"`
	EnableCircuitBreaker bool                         `json:"enable_circuit_breaker" yaml:"enable_circuit_breaker"`
	CircuitBreakerConfig CircuitBreakerConfig         `json:"circuit_breaker_config" yaml:"circuit_breaker_config"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay    string   `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay        string   `json:"max_delay" yaml:"max_delay"`
	BackoffStrategy string   `json:"backoff_strategy" yaml:"backoff_strategy"` // fixed, exponential, linear
	RetryableErrors []string `json:"retryable_errors" yaml:"retryable_errors"`
	Jitter          bool     `json:"jitter" yaml:"jitter"`
}

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  string `json:"recovery_timeout" yaml:"recovery_timeout"`
	HalfOpenRequests int    `json:"half_open_requests" yaml:"half_open_requests"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. An empty configPath
// means defaults plus environment only.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// WithEnvFile overrides the .env file consulted before the environment.
func (cm *ConfigManager) WithEnvFile(path string) *ConfigManager {
	cm.envFile = path
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including those from the .env file (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		config.ConfigPath = cm.configPath
	}

	if cm.envFile != "" {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(cm.envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", cm.envFile, err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"symbol", config.Feed.Symbol,
		"storage_type", config.Storage.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file, chosen by extension
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if val := os.Getenv("APP_NAME"); val != "" {
		config.AppName = val
	}

	// Feed
	if val := os.Getenv("FEED_BASE_URL"); val != "" {
		config.Feed.BaseURL = val
	}
	if val := os.Getenv("FEED_SYMBOL"); val != "" {
		config.Feed.Symbol = strings.ToUpper(val)
	}
	if val := os.Getenv("FEED_BASE_CURRENCY"); val != "" {
		config.Feed.BaseCurrency = strings.ToUpper(val)
	}
	if val := os.Getenv("FEED_HOURS"); val != "" {
		hours, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("FEED_HOURS: %w", err)
		}
		config.Feed.Hours = hours
	}
	if val := os.Getenv("FEED_TIMEOUT"); val != "" {
		config.Feed.Timeout = val
	}
	if val := os.Getenv("FEED_RATE_LIMIT"); val != "" {
		rateLimit, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("FEED_RATE_LIMIT: %w", err)
		}
		config.Feed.RateLimit = rateLimit
	}

	// Cache
	if val := os.Getenv("CACHE_DIR"); val != "" {
		config.Cache.Dir = val
	}
	if val := os.Getenv("CACHE_UPDATE_INTERVAL"); val != "" {
		config.Cache.UpdateInterval = val
	}

	// Storage
	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		config.Storage.Type = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Storage.DatabaseURL = val
	}
	if val := os.Getenv("STORAGE_PERSIST"); val != "" {
		config.Storage.Persist = val == "true"
	}

	// Aggregation
	if val := os.Getenv("GRANULARITY"); val != "" {
		config.Aggregation.Granularity = val
	}

	// Logging
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	// Metrics
	if val := os.Getenv("METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = val == "true"
	}
	if val := os.Getenv("METRICS_ADDR"); val != "" {
		config.Metrics.Addr = val
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	if config.Feed.BaseURL == "" {
		errors = append(errors, "feed.base_url is required")
	}
	if config.Feed.Symbol == "" {
		errors = append(errors, "feed.symbol is required")
	}
	if config.Feed.BaseCurrency == "" {
		errors = append(errors, "feed.base_currency is required")
	}
	if config.Feed.Hours < 0 {
		errors = append(errors, "feed.hours must not be negative")
	}
	if config.Feed.RateLimit <= 0 {
		errors = append(errors, "feed.rate_limit must be greater than 0")
	}
	if _, err := time.ParseDuration(config.Feed.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("feed.timeout is not a valid duration: %v", err))
	}

	if config.Cache.Dir == "" {
		errors = append(errors, "cache.dir is required")
	}
	if d, err := time.ParseDuration(config.Cache.UpdateInterval); err != nil {
		errors = append(errors, fmt.Sprintf("cache.update_interval is not a valid duration: %v", err))
	} else if d < 0 {
		errors = append(errors, "cache.update_interval must not be negative")
	}

	switch config.Storage.Type {
	case "memory":
	case "duckdb":
		if config.Storage.DatabaseURL == "" {
			errors = append(errors, "storage.database_url is required for DuckDB storage")
		}
	default:
		errors = append(errors, "storage.type must be one of: duckdb, memory")
	}

	if config.Aggregation.Granularity == "" {
		errors = append(errors, "aggregation.granularity is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when output is file")
	}

	if config.Metrics.Enabled && config.Metrics.Addr == "" {
		errors = append(errors, "metrics.addr is required when metrics are enabled")
	}

	if config.ErrorHandling.GlobalRetryPolicy.MaxAttempts <= 0 {
		errors = append(errors, "error_handling.global_retry_policy.max_attempts must be greater than 0")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	cacheDir := filepath.Join(".cache", "markethistory")
	if home, err := os.UserHomeDir(); err == nil {
		cacheDir = filepath.Join(home, ".cache", "markethistory")
	}

	return &AppConfig{
		AppName: "markethistory",
		Version: "1.0.0",
		Feed: FeedConfig{
			BaseURL:      "https://www.cryptopia.co.nz",
			Symbol:       "NEBL",
			BaseCurrency: "BTC",
			Hours:        0,
			Timeout:      "30s",
			RateLimit:    1,
			UserAgent:    "go-market-history/1.0",
			HealthSymbol: "NEBL",
		},
		Cache: CacheConfig{
			Dir:            cacheDir,
			UpdateInterval: "6m",
		},
		Storage: StorageConfig{
			Type:        "memory",
			DatabaseURL: "./data/trades.db",
			Persist:     false,
		},
		Aggregation: AggregationConfig{
			Granularity:        "1m",
			DropPartialLeading: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "markethistory",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "500ms",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				RetryableErrors: []string{"timeout", "rate_limit", "server_error"},
				Jitter:          true,
			},
			ComponentPolicies:    make(map[string]RetryPolicyConfig),
			EnableCircuitBreaker: true,
			CircuitBreakerConfig: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  "30s",
				HalfOpenRequests: 1,
			},
		},
	}
}

// UpdateIntervalDuration returns the parsed cache staleness interval.
func (c *CacheConfig) UpdateIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.UpdateInterval)
	return d
}

// TimeoutDuration returns the parsed feed timeout.
func (c *FeedConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// String returns the configuration as indented JSON.
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
