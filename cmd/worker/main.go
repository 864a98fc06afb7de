// Package main is the entry point of the progress engine worker.
//
// The worker owns the engine's background duties:
//   - applying database migrations on startup
//   - expiring enrollments whose access window has closed
//   - relaying engine events to Redis pub/sub for other services
//   - serving health probes and manual job runs over HTTP
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coursehub/progress-engine/config"
	"github.com/coursehub/progress-engine/internal/application/engine"
	"github.com/coursehub/progress-engine/internal/domain/catalog"
	"github.com/coursehub/progress-engine/internal/domain/payment"
	"github.com/coursehub/progress-engine/internal/infrastructure/external/catalogapi"
	"github.com/coursehub/progress-engine/internal/infrastructure/external/midtrans"
	"github.com/coursehub/progress-engine/internal/infrastructure/messaging"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/catalogdb"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/coursehub/progress-engine/internal/infrastructure/scheduler"
	"github.com/coursehub/progress-engine/internal/infrastructure/scheduler/jobs"
	ophttp "github.com/coursehub/progress-engine/internal/interface/http"
	"github.com/coursehub/progress-engine/pkg/circuitbreaker"
	"github.com/coursehub/progress-engine/pkg/logger"
	"github.com/coursehub/progress-engine/pkg/retry"
	"github.com/coursehub/progress-engine/pkg/timeutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION AND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	engineLog := logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     logger.ParseLevel(cfg.Log.Level),
		AddCaller: true,
	}).With(logger.String("service", cfg.App.Name))

	log.Info("starting progress engine worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"store", cfg.Store.Driver,
		"catalog", cfg.Catalog.Source,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. STORE
	// ─────────────────────────────────────────────────────────────────────────
	health := ophttp.NewHealthChecker(cfg.App.Version)

	deps := engine.Deps{
		Clock:  timeutil.SystemClock{},
		Logger: engineLog,
	}

	switch cfg.Store.Driver {
	case config.StorePostgres:
		conn, err := connectPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database connection")
			conn.Close()
		}()

		if cfg.Store.AutoMigrate {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("database schema is up to date")
		}

		health.AddCheck("database", ophttp.PingCheck(conn))

		deps.Tx = conn
		deps.Enrollments = postgres.NewEnrollmentRepository(conn)
		deps.Progress = postgres.NewProgressRepository(conn)
		deps.Quizzes = postgres.NewQuizRepository(conn)
		deps.Attempts = postgres.NewAttemptRepository(conn)

	case config.StoreMemory:
		store := memory.NewStore()
		deps.Tx = store
		deps.Enrollments = store.Enrollments()
		deps.Progress = store.Progress()
		deps.Quizzes = store.Quizzes()
		deps.Attempts = store.Attempts()
		log.Warn("using in-memory store, state is lost on exit")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var cache *redis.Cache
	if !cfg.Redis.Disabled {
		redisCfg := redis.DefaultConfig()
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.IOTimeout = max(cfg.Redis.ReadTimeout, cfg.Redis.WriteTimeout)
		cache, err = redis.NewCache(ctx, redisCfg)
		if err != nil {
			log.Warn("failed to connect to Redis, cache and event relay disabled", "error", err)
		} else {
			defer cache.Close()
			health.AddCheck("redis", ophttp.PingCheck(cache))
			log.Info("Redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. CATALOG AND PAYMENTS
	// ─────────────────────────────────────────────────────────────────────────
	source, closeCatalog, err := buildCatalog(cfg, log)
	if err != nil {
		return err
	}
	defer closeCatalog()

	if client, ok := source.(*catalogapi.Client); ok {
		health.AddCheck("catalog_api", breakerCheck(client.Breaker()))
	}

	deps.Catalog = source
	var cachedCatalog *redis.CachedCatalog
	if cache != nil {
		cachedCatalog = redis.NewCachedCatalog(source, cache, cfg.Catalog.CacheTTL, log)
		deps.Catalog = cachedCatalog
	}
	deps.Payments = buildVerifier(cfg, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.Logger = log
	bus := messaging.NewInMemoryEventBus(busConfig)
	defer func() {
		log.Info("closing event bus")
		_ = bus.Close()
	}()

	if cache != nil {
		if err := messaging.NewRedisRelay(cache, 0, log).Attach(bus); err != nil {
			return fmt.Errorf("failed to attach event relay: %w", err)
		}
	}
	deps.Events = bus

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ENGINE
	// ─────────────────────────────────────────────────────────────────────────
	eng, err := engine.New(deps, engine.Config{
		AttemptGrace:          cfg.Engine.AttemptGrace,
		DefaultAccessDuration: cfg.Engine.DefaultAccessDuration(),
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:   log,
		Timezone: cfg.App.Location,
	})

	if cfg.Scheduler.Enabled {
		expire := jobs.NewExpireEnrollmentsJob(eng.Enrollments, jobs.ExpireEnrollmentsConfig{
			BatchSize:  cfg.Engine.ExpireBatch,
			MaxBatches: cfg.Scheduler.ExpireMaxBatches,
			Timeout:    cfg.Scheduler.JobTimeout,
		}, log)
		if err := sched.Register(expire, cfg.Scheduler.ExpireSpec); err != nil {
			return fmt.Errorf("failed to register %s: %w", expire.Name(), err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. OPERATIONAL HTTP
	// ─────────────────────────────────────────────────────────────────────────
	var server *ophttp.Server
	var serverErr <-chan error
	if cfg.HTTP.Enabled {
		httpCfg := ophttp.DefaultConfig()
		httpCfg.Host = cfg.HTTP.Host
		httpCfg.Port = cfg.HTTP.Port
		opsDeps := ophttp.Dependencies{
			Health: health,
			Jobs:   sched,
			Events: bus,
			Logger: log,
		}
		if cachedCatalog != nil {
			opsDeps.CatalogCache = cachedCatalog
		}
		server = ophttp.NewServer(httpCfg, opsDeps)
		serverErr = server.StartAsync()
	}

	log.Info("progress engine worker is running")

	// ─────────────────────────────────────────────────────────────────────────
	// 9. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal, stopping", "timeout", cfg.App.ShutdownTimeout.String())
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed, stopping", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server did not stop in time", "error", err)
		}
	}

	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error("scheduler did not stop in time", "error", err)
	}

	log.Info("shutdown completed")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Log.Format
	if format == "" {
		format = "json"
		if cfg.IsDevelopment() {
			format = "text"
		}
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler).With("service", cfg.App.Name)
	slog.SetDefault(log)
	return log
}

// breakerCheck reports the catalog API as unhealthy while its breaker is open.
func breakerCheck(cb *circuitbreaker.CircuitBreaker) ophttp.HealthCheckFunc {
	return func(context.Context) error {
		snap := cb.Snapshot()
		if snap.State == circuitbreaker.StateOpen {
			return fmt.Errorf("circuit %s is open until %s after %d failures",
				snap.Name, snap.RetryAt.Format(time.RFC3339), snap.TotalFailures)
		}
		return nil
	}
}

// connectPostgres retries the first connection while the database comes up.
func connectPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*postgres.Connection, error) {
	pgCfg := postgres.DefaultConfig()
	pgCfg.URL = cfg.Database.URL
	pgCfg.MaxConns = int32(cfg.Database.MaxConns)
	pgCfg.MinConns = int32(cfg.Database.MinConns)
	pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	pgCfg.ConnectTimeout = cfg.Database.ConnectTimeout

	var conn *postgres.Connection
	err := retry.DatabaseRetrier().Do(ctx, func(ctx context.Context) error {
		c, err := postgres.NewConnection(ctx, pgCfg)
		if err != nil {
			log.Warn("database not reachable yet", "error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")
	return conn, nil
}

func buildCatalog(cfg *config.Config, log *slog.Logger) (catalog.Catalog, func(), error) {
	switch cfg.Catalog.Source {
	case config.CatalogDB:
		db, err := catalogdb.Open(cfg.Catalog.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open catalog database: %w", err)
		}
		return db, func() { _ = db.Close() }, nil

	case config.CatalogMemory:
		log.Warn("using an empty in-memory catalog")
		return memory.NewCatalog(), func() {}, nil

	default:
		clientCfg := catalogapi.DefaultClientConfig(cfg.Catalog.APIURL)
		clientCfg.APIKey = cfg.Catalog.APIKey
		clientCfg.Timeout = cfg.Catalog.APITimeout
		clientCfg.Logger = log
		return catalogapi.NewClient(clientCfg), func() {}, nil
	}
}

// buildVerifier returns the Midtrans verifier, or one that rejects every
// payment when no server key is configured.
func buildVerifier(cfg *config.Config, log *slog.Logger) payment.Verifier {
	if cfg.Payment.MidtransServerKey == "" {
		log.Warn("MIDTRANS_SERVER_KEY not set, paid enrollments will be rejected")
		return payment.VerifierFunc(func(context.Context, payment.Request) (payment.Verdict, error) {
			return payment.Verdict{Status: "unconfigured", Reason: "payment verification is not configured"}, nil
		})
	}
	return midtrans.NewVerifier(midtrans.Config{
		ServerKey:  cfg.Payment.MidtransServerKey,
		Production: cfg.Payment.MidtransProduction,
	}, log)
}
