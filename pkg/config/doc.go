// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings, and optionally watches a YAML tunables
// file for runtime-adjustable settings (admission parameters, tiers, feature
// flags).
//
// # Configuration Structure
//
// Server settings:
//
//	TOKEND_HOST="0.0.0.0"
//	TOKEND_PORT="8080"
//	TOKEND_HEALTH_PORT="9090"
//	TOKEND_READ_TIMEOUT="15s"
//	TOKEND_WRITE_TIMEOUT="15s"
//
// Store settings:
//
//	TOKEND_STORE_TYPE="postgres"  # postgres, memory
//	TOKEND_POSTGRES_URL="postgres://localhost/tokend"
//	TOKEND_POSTGRES_MAX_CONNS="20"
//
// Redis and cache settings:
//
//	TOKEND_REDIS_ENABLED="true"
//	TOKEND_REDIS_URL="redis://localhost:6379"
//	TOKEND_CACHE_ENABLED="true"
//	TOKEND_CACHE_TTL="5s"
//
// Quota settings:
//
//	TOKEND_QUOTA_ENFORCEMENT="true"
//	TOKEND_ADMISSION_STRATEGY="leaky_bucket"  # leaky_bucket, token_bucket, fixed_window
//	TOKEND_ADMISSION_CAPACITY="1000"
//	TOKEND_ADMISSION_LEAK_RATE="10.0"
//
// Outbox, saga and payment settings:
//
//	TOKEND_OUTBOX_INTERVAL="2s"
//	TOKEND_SAGA_ENABLED="true"
//	TOKEND_SAGA_SWEEP_SCHEDULE="@every 1m"
//	TOKEND_PAYMENT_MODE="stub"  # stub, http
//	TOKEND_PAYMENT_BASE_URL="https://payments.internal"
//
// Observability settings:
//
//	TOKEND_LOG_LEVEL="info"  # debug, info, warn, error
//	TOKEND_METRICS_ENABLED="true"
//
// # Runtime Tunables
//
// When TOKEND_TUNABLES_FILE points at a YAML file, a TunablesWatcher reloads
// it on change and pushes the new settings into the running engine:
//
//	quota_enforcement: true
//	saga_purchases: true
//	admission:
//	  strategy: leaky_bucket
//	  capacity: 1000
//	  leak_rate_per_second: 10
//	tiers:
//	  default_tier: FREE
//	  levels:
//	    PRO:
//	      priority: 10
//	      capacity_multiplier: 4.0
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Store: %s\n", cfg.Database.Type)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/quota: Uses quota engine configuration and tunables
//   - pkg/observability: Uses observability configuration
package config
