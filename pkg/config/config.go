package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/leakytokens/tokend/pkg/observability"
	"github.com/leakytokens/tokend/pkg/outbox"
	"github.com/leakytokens/tokend/pkg/payment"
	"github.com/leakytokens/tokend/pkg/quota"
	"github.com/leakytokens/tokend/pkg/quotacache"
	"github.com/leakytokens/tokend/pkg/saga"
)

// Store types selectable via TOKEND_STORE_TYPE.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Payment modes selectable via TOKEND_PAYMENT_MODE.
const (
	PaymentHTTP = "http"
	PaymentStub = "stub"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration
	Redis RedisConfig

	// Balance cache configuration
	Cache CacheConfig

	// Quota engine configuration
	Quota QuotaConfig

	// Outbox dispatcher configuration
	Outbox OutboxConfig

	// Purchase saga configuration
	Saga SagaConfig

	// Payment provider configuration
	Payment PaymentConfig

	// Observability configuration
	Observability ObservabilityConfig

	// TunablesFile is an optional YAML file with runtime tunables
	// (admission settings, tiers, feature flags). When set, the file is
	// watched and reloaded on change.
	TunablesFile string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	// Type selects the backing store: postgres or memory. Memory is for
	// local development and tests only.
	Type            string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration for the balance cache and
// admission buckets
type RedisConfig struct {
	Enabled    bool
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// CacheConfig holds advisory balance cache configuration
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
	L1Size  int
}

// QuotaConfig holds quota engine configuration
type QuotaConfig struct {
	Engine quota.EngineConfig

	// BucketTTL is the Redis idle expiry for admission bucket state.
	BucketTTL time.Duration
	// BucketCleanupInterval schedules the in-memory bucket sweep when
	// Redis is disabled.
	BucketCleanupInterval time.Duration
}

// OutboxConfig holds outbox dispatcher configuration
type OutboxConfig struct {
	Enabled    bool
	Dispatcher outbox.DispatcherConfig
}

// SagaConfig holds purchase saga configuration
type SagaConfig struct {
	Orchestrator saga.Config
	Sweeper      saga.SweeperConfig

	// SweepSchedule is a cron spec for the stalled-saga recovery sweep.
	SweepSchedule string
}

// PaymentConfig holds payment provider configuration
type PaymentConfig struct {
	// Mode selects the provider client: http or stub.
	Mode string
	HTTP payment.HTTPConfig
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Cache:         loadCacheConfig(),
		Quota:         loadQuotaConfig(),
		Outbox:        loadOutboxConfig(),
		Saga:          loadSagaConfig(),
		Payment:       loadPaymentConfig(),
		Observability: loadObservabilityConfig(),
		TunablesFile:  getEnv("TOKEND_TUNABLES_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TOKEND_HOST", "0.0.0.0"),
		Port:            getEnv("TOKEND_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TOKEND_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TOKEND_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TOKEND_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TOKEND_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TOKEND_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads PostgreSQL configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Type:            strings.ToLower(getEnv("TOKEND_STORE_TYPE", StorePostgres)),
		URL:             getEnv("TOKEND_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("TOKEND_POSTGRES_MAX_CONNS", 20),
		MaxIdleConns:    getEnvInt("TOKEND_POSTGRES_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("TOKEND_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:    getEnvBool("TOKEND_REDIS_ENABLED", true),
		URL:        getEnv("TOKEND_REDIS_URL", "redis://localhost:6379"),
		Password:   getEnv("TOKEND_REDIS_PASSWORD", ""),
		DB:         getEnvInt("TOKEND_REDIS_DB", 0),
		MaxRetries: getEnvInt("TOKEND_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("TOKEND_REDIS_POOL_SIZE", 10),
	}
}

// loadCacheConfig loads balance cache configuration from environment
func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled: getEnvBool("TOKEND_CACHE_ENABLED", true),
		TTL:     getEnvDuration("TOKEND_CACHE_TTL", 5*time.Second),
		L1Size:  getEnvInt("TOKEND_L1_CACHE_SIZE", 10000),
	}
}

// loadQuotaConfig loads quota engine configuration from environment.
// Admission defaults loaded here are the baseline; the tunables file,
// when configured, overrides them at runtime.
func loadQuotaConfig() QuotaConfig {
	engine := quota.DefaultEngineConfig()
	engine.Enforce = getEnvBool("TOKEND_QUOTA_ENFORCEMENT", true)
	engine.MaxConflictRetries = getEnvInt("TOKEND_MAX_CONFLICT_RETRIES", engine.MaxConflictRetries)
	engine.ConflictRetryDelay = getEnvDuration("TOKEND_CONFLICT_RETRY_DELAY", engine.ConflictRetryDelay)

	if strategy := getEnv("TOKEND_ADMISSION_STRATEGY", ""); strategy != "" {
		engine.Defaults.Strategy = quota.Strategy(strings.ToLower(strategy))
	}
	if capacity := getEnvInt64("TOKEND_ADMISSION_CAPACITY", 0); capacity > 0 {
		engine.Defaults.Capacity = capacity
	}
	if rate := getEnvFloat("TOKEND_ADMISSION_LEAK_RATE", 0); rate > 0 {
		engine.Defaults.LeakRatePerSecond = rate
	}
	if window := getEnvInt64("TOKEND_ADMISSION_WINDOW_SECONDS", 0); window > 0 {
		engine.Defaults.WindowSeconds = window
	}

	return QuotaConfig{
		Engine:                engine,
		BucketTTL:             getEnvDuration("TOKEND_BUCKET_TTL", 6*time.Hour),
		BucketCleanupInterval: getEnvDuration("TOKEND_BUCKET_CLEANUP_INTERVAL", 10*time.Minute),
	}
}

// loadOutboxConfig loads outbox dispatcher configuration from environment
func loadOutboxConfig() OutboxConfig {
	dispatcher := outbox.DefaultDispatcherConfig()
	dispatcher.Interval = getEnvDuration("TOKEND_OUTBOX_INTERVAL", dispatcher.Interval)
	dispatcher.BatchSize = getEnvInt("TOKEND_OUTBOX_BATCH_SIZE", dispatcher.BatchSize)
	dispatcher.Retry.MaxAttempts = getEnvInt("TOKEND_OUTBOX_MAX_ATTEMPTS", dispatcher.Retry.MaxAttempts)
	dispatcher.Retry.InitialDelay = getEnvDuration("TOKEND_OUTBOX_INITIAL_DELAY", dispatcher.Retry.InitialDelay)
	dispatcher.Retry.MaxDelay = getEnvDuration("TOKEND_OUTBOX_MAX_DELAY", dispatcher.Retry.MaxDelay)
	dispatcher.Retry.BackoffMultiplier = getEnvFloat("TOKEND_OUTBOX_BACKOFF_MULTIPLIER", dispatcher.Retry.BackoffMultiplier)

	return OutboxConfig{
		Enabled:    getEnvBool("TOKEND_OUTBOX_ENABLED", true),
		Dispatcher: dispatcher,
	}
}

// loadSagaConfig loads purchase saga configuration from environment
func loadSagaConfig() SagaConfig {
	orchestrator := saga.DefaultConfig()
	orchestrator.Enabled = getEnvBool("TOKEND_SAGA_ENABLED", true)
	orchestrator.MaxCreditAttempts = getEnvInt("TOKEND_SAGA_MAX_CREDIT_ATTEMPTS", orchestrator.MaxCreditAttempts)
	orchestrator.CreditRetryDelay = getEnvDuration("TOKEND_SAGA_CREDIT_RETRY_DELAY", orchestrator.CreditRetryDelay)
	orchestrator.MaxCompensationAttempts = getEnvInt("TOKEND_SAGA_MAX_COMPENSATION_ATTEMPTS", orchestrator.MaxCompensationAttempts)

	sweeper := saga.DefaultSweeperConfig()
	sweeper.StallAfter = getEnvDuration("TOKEND_SAGA_STALL_AFTER", sweeper.StallAfter)
	sweeper.BatchSize = getEnvInt("TOKEND_SAGA_SWEEP_BATCH_SIZE", sweeper.BatchSize)
	sweeper.Workers = getEnvInt("TOKEND_SAGA_SWEEP_WORKERS", sweeper.Workers)
	sweeper.ResumeTimeout = getEnvDuration("TOKEND_SAGA_RESUME_TIMEOUT", sweeper.ResumeTimeout)
	sweeper.MaxCompensationAttempts = orchestrator.MaxCompensationAttempts

	return SagaConfig{
		Orchestrator:  orchestrator,
		Sweeper:       sweeper,
		SweepSchedule: getEnv("TOKEND_SAGA_SWEEP_SCHEDULE", "@every 1m"),
	}
}

// loadPaymentConfig loads payment provider configuration from environment
func loadPaymentConfig() PaymentConfig {
	return PaymentConfig{
		Mode: strings.ToLower(getEnv("TOKEND_PAYMENT_MODE", PaymentStub)),
		HTTP: payment.HTTPConfig{
			BaseURL: getEnv("TOKEND_PAYMENT_BASE_URL", ""),
			APIKey:  getEnv("TOKEND_PAYMENT_API_KEY", ""),
			Timeout: getEnvDuration("TOKEND_PAYMENT_TIMEOUT", 15*time.Second),
		},
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("TOKEND_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("TOKEND_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate store config based on type
	switch c.Database.Type {
	case StorePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("postgres URL is required for postgres store")
		}
	case StoreMemory:
		// Nothing to check; memory stores need no connection.
	default:
		return fmt.Errorf("invalid store type: %s (must be postgres or memory)", c.Database.Type)
	}

	// Validate admission strategy
	switch c.Quota.Engine.Defaults.Strategy {
	case quota.StrategyLeakyBucket, quota.StrategyTokenBucket, quota.StrategyFixedWindow:
	default:
		return fmt.Errorf("invalid admission strategy: %s", c.Quota.Engine.Defaults.Strategy)
	}

	// Validate payment config
	switch c.Payment.Mode {
	case PaymentStub:
	case PaymentHTTP:
		if c.Payment.HTTP.BaseURL == "" {
			return fmt.Errorf("payment base URL is required for http payment mode")
		}
	default:
		return fmt.Errorf("invalid payment mode: %s (must be http or stub)", c.Payment.Mode)
	}

	// Validate Redis config when anything depends on it
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when redis is enabled")
	}

	return nil
}

// CacheSettings converts the cache section into quotacache settings.
func (c *Config) CacheSettings() quotacache.Config {
	return quotacache.Config{
		TTL:    c.Cache.TTL,
		L1Size: c.Cache.L1Size,
	}
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float64 environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
