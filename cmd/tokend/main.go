package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/leakytokens/tokend/pkg/api"
	"github.com/leakytokens/tokend/pkg/config"
	"github.com/leakytokens/tokend/pkg/ledger"
	"github.com/leakytokens/tokend/pkg/observability"
	"github.com/leakytokens/tokend/pkg/outbox"
	"github.com/leakytokens/tokend/pkg/payment"
	"github.com/leakytokens/tokend/pkg/quota"
	"github.com/leakytokens/tokend/pkg/quotacache"
	"github.com/leakytokens/tokend/pkg/saga"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting tokend")

	var registry *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	// Backing stores. Postgres in production, memory for local runs.
	var db *sql.DB
	var ledgerStore ledger.Store
	var outboxStore outbox.Store
	var sagaStore saga.Store

	switch cfg.Database.Type {
	case config.StorePostgres:
		db, err = openDatabase(cfg)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to database")
			os.Exit(1)
		}
		defer db.Close()

		ledgerStore, err = ledger.NewPostgresStore(db)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize ledger store")
			os.Exit(1)
		}
		outboxStore, err = outbox.NewPostgresStore(db)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize outbox store")
			os.Exit(1)
		}
		sagaStore, err = saga.NewPostgresStore(db)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize saga store")
			os.Exit(1)
		}
		logger.Info("Connected to PostgreSQL")
	case config.StoreMemory:
		ledgerStore = ledger.NewMemoryStore()
		outboxStore = outbox.NewMemoryStore()
		sagaStore = saga.NewMemoryStore()
		logger.Warn("Using in-memory stores, data will not survive a restart")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = newRedisClient(cfg)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to Redis")
			os.Exit(1)
		}
		defer redisClient.Close()
		logger.Info("Connected to Redis")
	}

	// Advisory balance cache. With Redis disabled the cache still runs
	// its in-process layer.
	var cache *quotacache.Cache
	if cfg.Cache.Enabled {
		cache = quotacache.New(redisClient, cfg.CacheSettings())
	}

	// Admission bucket state. Redis keeps bucket levels consistent across
	// replicas; the memory store needs a periodic expiry sweep.
	var buckets quota.BucketStore
	var memoryBuckets *quota.MemoryBucketStore
	if redisClient != nil {
		buckets = quota.NewRedisBucketStore(redisClient, "tokend", cfg.Quota.BucketTTL)
	} else {
		memoryBuckets = quota.NewMemoryBucketStore(cfg.Quota.BucketTTL)
		buckets = memoryBuckets
	}

	engine := quota.NewEngine(ledgerStore, cache, buckets, outboxStore, cfg.Quota.Engine, logger, metrics)

	var payments payment.Client
	switch cfg.Payment.Mode {
	case config.PaymentHTTP:
		payments = payment.NewHTTPClient(cfg.Payment.HTTP, metrics)
	default:
		payments = payment.NewStubClient()
		logger.Warn("Using stub payment client, charges always succeed")
	}

	orchestrator := saga.NewOrchestrator(sagaStore, engine, payments, outboxStore, cfg.Saga.Orchestrator, logger, metrics)
	sweeper := saga.NewSweeper(sagaStore, orchestrator, cfg.Saga.Sweeper, logger, metrics)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dispatcher *outbox.Dispatcher
	if cfg.Outbox.Enabled {
		dispatcher = outbox.NewDispatcher(outboxStore, outbox.NewLogPublisher(logger), cfg.Outbox.Dispatcher, logger, metrics)
		dispatcher.Start(rootCtx)
		logger.WithField("interval", cfg.Outbox.Dispatcher.Interval.String()).Info("Outbox dispatcher started")
	}

	// Background jobs: stalled-saga recovery and, without Redis, expiry
	// of idle admission buckets.
	c := cron.New()
	if cfg.Saga.Orchestrator.Enabled {
		_, err = c.AddFunc(cfg.Saga.SweepSchedule, func() {
			resumed, sweepErr := sweeper.Sweep(rootCtx)
			if sweepErr != nil {
				logger.WithError(sweepErr).Error("Saga recovery sweep failed")
				return
			}
			if resumed > 0 {
				logger.WithField("resumed", resumed).Info("Saga recovery sweep completed")
			}
		})
		if err != nil {
			logger.WithError(err).Error("Failed to schedule saga recovery sweep")
			os.Exit(1)
		}
	}
	if memoryBuckets != nil && cfg.Quota.BucketCleanupInterval > 0 {
		_, err = c.AddFunc(fmt.Sprintf("@every %s", cfg.Quota.BucketCleanupInterval), func() {
			removed := memoryBuckets.Cleanup(time.Now())
			if metrics != nil {
				metrics.BucketsTracked.Set(float64(memoryBuckets.Len()))
			}
			if removed > 0 {
				logger.WithField("removed", removed).Debug("Expired idle admission buckets")
			}
		})
		if err != nil {
			logger.WithError(err).Error("Failed to schedule bucket cleanup")
			os.Exit(1)
		}
	}
	c.Start()

	// Runtime tunables file: admission overrides, tier caps, and the
	// enforcement/purchase feature flags, reloaded on change.
	var tunablesWatcher *config.TunablesWatcher
	if cfg.TunablesFile != "" {
		baseline := cfg.Quota.Engine.Defaults
		tunablesWatcher, err = config.NewTunablesWatcher(cfg.TunablesFile, logger, func(t *config.Tunables) {
			engine.UpdateTunables(t.Admission.Params(baseline), t.Tiers)
			if t.QuotaEnforcement != nil {
				engine.SetEnforcement(*t.QuotaEnforcement)
			}
			if t.SagaPurchases != nil {
				orchestrator.SetEnabled(*t.SagaPurchases)
			}
			logger.WithField("path", cfg.TunablesFile).Info("Applied runtime tunables")
		})
		if err == nil {
			err = tunablesWatcher.Start()
		}
		if err != nil {
			logger.WithError(err).Error("Failed to start tunables watcher")
			os.Exit(1)
		}
	}

	apiServer := api.NewServer(engine, orchestrator, logger, metrics)
	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes.
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if registry != nil {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	g, _ := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("API server listening")
		if serveErr := server.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if serveErr := healthServer.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		if tunablesWatcher != nil {
			tunablesWatcher.Stop()
		}
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		if dispatcher != nil {
			dispatcher.Stop()
		}
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		cronCtx := c.Stop()
		select {
		case <-cronCtx.Done():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for background jobs")
		}
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown failed")
		os.Exit(1)
	}
	cancel()
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
	logger.Info("tokend stopped")
}

// openDatabase connects to PostgreSQL and verifies the connection.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// newRedisClient connects to Redis and verifies the connection.
func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	opts.MaxRetries = cfg.Redis.MaxRetries
	opts.PoolSize = cfg.Redis.PoolSize

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
