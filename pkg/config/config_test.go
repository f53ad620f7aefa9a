package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/leakytokens/tokend/pkg/observability"
	"github.com/leakytokens/tokend/pkg/quota"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue bool
		envValue     string
		want         bool
	}{
		{
			name:         "returns true for 'true'",
			key:          "TEST_BOOL",
			defaultValue: false,
			envValue:     "true",
			want:         true,
		},
		{
			name:         "returns true for '1'",
			key:          "TEST_BOOL",
			defaultValue: false,
			envValue:     "1",
			want:         true,
		},
		{
			name:         "returns false for 'false'",
			key:          "TEST_BOOL",
			defaultValue: true,
			envValue:     "false",
			want:         false,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_BOOL_NOT_SET",
			defaultValue: true,
			envValue:     "",
			want:         true,
		},
		{
			name:         "returns true for 'TRUE' (case insensitive)",
			key:          "TEST_BOOL",
			defaultValue: false,
			envValue:     "TRUE",
			want:         true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvBool(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvInt tests the getEnvInt helper function
func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{
			name:         "returns parsed int",
			key:          "TEST_INT",
			defaultValue: 10,
			envValue:     "42",
			want:         42,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_INT_NOT_SET",
			defaultValue: 10,
			envValue:     "",
			want:         10,
		},
		{
			name:         "returns default for invalid int",
			key:          "TEST_INT",
			defaultValue: 10,
			envValue:     "not-a-number",
			want:         10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvFloat tests the getEnvFloat helper function
func TestGetEnvFloat(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue float64
		envValue     string
		want         float64
	}{
		{
			name:         "returns parsed float",
			key:          "TEST_FLOAT",
			defaultValue: 1.0,
			envValue:     "2.5",
			want:         2.5,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_FLOAT_NOT_SET",
			defaultValue: 1.0,
			envValue:     "",
			want:         1.0,
		},
		{
			name:         "returns default for invalid float",
			key:          "TEST_FLOAT",
			defaultValue: 1.0,
			envValue:     "nope",
			want:         1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvFloat(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvFloat() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns parsed duration",
			key:          "TEST_DUR",
			defaultValue: time.Second,
			envValue:     "5m",
			want:         5 * time.Minute,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_DUR_NOT_SET",
			defaultValue: time.Second,
			envValue:     "",
			want:         time.Second,
		},
		{
			name:         "returns default for invalid duration",
			key:          "TEST_DUR",
			defaultValue: time.Second,
			envValue:     "yesterday",
			want:         time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestParseLogLevel tests log level parsing
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  observability.LogLevel
	}{
		{"debug", observability.DebugLevel},
		{"info", observability.InfoLevel},
		{"warn", observability.WarnLevel},
		{"warning", observability.WarnLevel},
		{"error", observability.ErrorLevel},
		{"DEBUG", observability.DebugLevel},
		{"unknown", observability.InfoLevel},
		{"", observability.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestLoadConfig_Defaults verifies defaults with a minimal environment
func TestLoadConfig_Defaults(t *testing.T) {
	clearTokendEnv(t)
	os.Setenv("TOKEND_STORE_TYPE", "memory")
	defer os.Unsetenv("TOKEND_STORE_TYPE")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %v, want 8080", cfg.Server.Port)
	}
	if cfg.Server.HealthPort != "9090" {
		t.Errorf("Server.HealthPort = %v, want 9090", cfg.Server.HealthPort)
	}
	if !cfg.Quota.Engine.Enforce {
		t.Error("Quota.Engine.Enforce = false, want true")
	}
	if cfg.Quota.Engine.Defaults.Strategy != quota.StrategyLeakyBucket {
		t.Errorf("Defaults.Strategy = %v, want leaky_bucket", cfg.Quota.Engine.Defaults.Strategy)
	}
	if cfg.Quota.Engine.Defaults.Capacity != 1000 {
		t.Errorf("Defaults.Capacity = %v, want 1000", cfg.Quota.Engine.Defaults.Capacity)
	}
	if cfg.Cache.TTL != 5*time.Second {
		t.Errorf("Cache.TTL = %v, want 5s", cfg.Cache.TTL)
	}
	if cfg.Outbox.Dispatcher.Retry.MaxAttempts != 8 {
		t.Errorf("Outbox.Dispatcher.Retry.MaxAttempts = %v, want 8", cfg.Outbox.Dispatcher.Retry.MaxAttempts)
	}
	if !cfg.Saga.Orchestrator.Enabled {
		t.Error("Saga.Orchestrator.Enabled = false, want true")
	}
	if cfg.Saga.SweepSchedule != "@every 1m" {
		t.Errorf("Saga.SweepSchedule = %v, want @every 1m", cfg.Saga.SweepSchedule)
	}
	if cfg.Payment.Mode != PaymentStub {
		t.Errorf("Payment.Mode = %v, want stub", cfg.Payment.Mode)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("Observability.LogLevel = %v, want info", cfg.Observability.LogLevel)
	}
}

// TestLoadConfig_Overrides verifies env overrides flow through
func TestLoadConfig_Overrides(t *testing.T) {
	clearTokendEnv(t)
	envs := map[string]string{
		"TOKEND_STORE_TYPE":                 "postgres",
		"TOKEND_POSTGRES_URL":               "postgres://localhost/tokend",
		"TOKEND_PORT":                       "8888",
		"TOKEND_QUOTA_ENFORCEMENT":          "false",
		"TOKEND_MAX_CONFLICT_RETRIES":       "5",
		"TOKEND_ADMISSION_STRATEGY":         "token_bucket",
		"TOKEND_ADMISSION_CAPACITY":         "2000",
		"TOKEND_ADMISSION_LEAK_RATE":        "25.5",
		"TOKEND_OUTBOX_BATCH_SIZE":          "10",
		"TOKEND_SAGA_ENABLED":               "false",
		"TOKEND_SAGA_MAX_CREDIT_ATTEMPTS":   "7",
		"TOKEND_PAYMENT_MODE":               "http",
		"TOKEND_PAYMENT_BASE_URL":           "https://payments.example.com",
		"TOKEND_LOG_LEVEL":                  "debug",
		"TOKEND_TUNABLES_FILE":              "/etc/tokend/tunables.yaml",
	}
	for k, v := range envs {
		os.Setenv(k, v)
	}
	defer func() {
		for k := range envs {
			os.Unsetenv(k)
		}
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Database.URL != "postgres://localhost/tokend" {
		t.Errorf("Database.URL = %v", cfg.Database.URL)
	}
	if cfg.Server.Port != "8888" {
		t.Errorf("Server.Port = %v, want 8888", cfg.Server.Port)
	}
	if cfg.Quota.Engine.Enforce {
		t.Error("Quota.Engine.Enforce = true, want false")
	}
	if cfg.Quota.Engine.MaxConflictRetries != 5 {
		t.Errorf("MaxConflictRetries = %v, want 5", cfg.Quota.Engine.MaxConflictRetries)
	}
	if cfg.Quota.Engine.Defaults.Strategy != quota.StrategyTokenBucket {
		t.Errorf("Defaults.Strategy = %v, want token_bucket", cfg.Quota.Engine.Defaults.Strategy)
	}
	if cfg.Quota.Engine.Defaults.Capacity != 2000 {
		t.Errorf("Defaults.Capacity = %v, want 2000", cfg.Quota.Engine.Defaults.Capacity)
	}
	if cfg.Quota.Engine.Defaults.LeakRatePerSecond != 25.5 {
		t.Errorf("Defaults.LeakRatePerSecond = %v, want 25.5", cfg.Quota.Engine.Defaults.LeakRatePerSecond)
	}
	if cfg.Outbox.Dispatcher.BatchSize != 10 {
		t.Errorf("Outbox.Dispatcher.BatchSize = %v, want 10", cfg.Outbox.Dispatcher.BatchSize)
	}
	if cfg.Saga.Orchestrator.Enabled {
		t.Error("Saga.Orchestrator.Enabled = true, want false")
	}
	if cfg.Saga.Orchestrator.MaxCreditAttempts != 7 {
		t.Errorf("MaxCreditAttempts = %v, want 7", cfg.Saga.Orchestrator.MaxCreditAttempts)
	}
	if cfg.Payment.Mode != PaymentHTTP {
		t.Errorf("Payment.Mode = %v, want http", cfg.Payment.Mode)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", cfg.Observability.LogLevel)
	}
	if cfg.TunablesFile != "/etc/tokend/tunables.yaml" {
		t.Errorf("TunablesFile = %v", cfg.TunablesFile)
	}
}

// TestValidate tests configuration validation
func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Port: "8080", HealthPort: "9090"},
			Database: DatabaseConfig{
				Type: StorePostgres,
				URL:  "postgres://localhost/tokend",
			},
			Redis: RedisConfig{Enabled: true, URL: "redis://localhost:6379"},
			Quota: QuotaConfig{
				Engine: quota.DefaultEngineConfig(),
			},
			Payment: PaymentConfig{Mode: PaymentStub},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing server port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: "server port is required",
		},
		{
			name:    "same server and health port",
			mutate:  func(c *Config) { c.Server.HealthPort = "8080" },
			wantErr: "must be different",
		},
		{
			name: "postgres store without URL",
			mutate: func(c *Config) {
				c.Database.URL = ""
			},
			wantErr: "postgres URL is required",
		},
		{
			name: "memory store needs no URL",
			mutate: func(c *Config) {
				c.Database.Type = StoreMemory
				c.Database.URL = ""
			},
		},
		{
			name:    "unknown store type",
			mutate:  func(c *Config) { c.Database.Type = "cassandra" },
			wantErr: "invalid store type",
		},
		{
			name: "unknown admission strategy",
			mutate: func(c *Config) {
				c.Quota.Engine.Defaults.Strategy = "sliding_log"
			},
			wantErr: "invalid admission strategy",
		},
		{
			name: "http payment mode without base URL",
			mutate: func(c *Config) {
				c.Payment.Mode = PaymentHTTP
			},
			wantErr: "payment base URL is required",
		},
		{
			name:    "unknown payment mode",
			mutate:  func(c *Config) { c.Payment.Mode = "carrier-pigeon" },
			wantErr: "invalid payment mode",
		},
		{
			name: "redis enabled without URL",
			mutate: func(c *Config) {
				c.Redis.URL = ""
			},
			wantErr: "redis URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestLoadConfig_InvalidStore verifies validation runs during load
func TestLoadConfig_InvalidStore(t *testing.T) {
	clearTokendEnv(t)
	os.Setenv("TOKEND_STORE_TYPE", "postgres")
	defer os.Unsetenv("TOKEND_STORE_TYPE")
	// No TOKEND_POSTGRES_URL set.

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want validation error")
	}
	if !strings.Contains(err.Error(), "configuration validation failed") {
		t.Errorf("LoadConfig() error = %v", err)
	}
}

// clearTokendEnv removes any TOKEND_ variables leaking in from the host
func clearTokendEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "TOKEND_") {
			key := strings.SplitN(kv, "=", 2)[0]
			value := os.Getenv(key)
			os.Unsetenv(key)
			t.Cleanup(func() { os.Setenv(key, value) })
		}
	}
}
