package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-engine/internal/api"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/events"
	"github.com/atmx/risk-engine/internal/liquidation"
	"github.com/atmx/risk-engine/internal/logging"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/oracle"
	"github.com/atmx/risk-engine/internal/router"
	"github.com/atmx/risk-engine/internal/store"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, syncLog, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer syncLog()
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "config", cfg)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if cfg.CacheTTL > 0 {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Price feed ---
	feed := oracle.NewFeed(st, oracle.Limits{
		MaxStaleness:  cfg.OracleMaxStaleness,
		MaxConfidence: cfg.OracleMaxConfidence,
	})

	// --- Router ---
	var rt router.Router
	var ledger router.Router
	if cfg.RouterURL != "" {
		rt = router.NewHTTPClient(cfg.RouterURL, cfg.RouterTimeout)
		slog.Info("submitting closeouts to remote router", "url", cfg.RouterURL)
	} else {
		l := router.NewLedger(st, feed, cfg.RouterAllowedLiquidators)
		rt, ledger = l, l
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Event sinks ---
	sinks := []events.Sink{events.NewStoreSink(st), wsHub}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() {
			if err := kafkaSink.Close(); err != nil {
				slog.Error("kafka writer close failed", "err", err)
			}
		})
		sinks = append(sinks, kafkaSink)
		slog.Info("publishing liquidations to Kafka", "topic", cfg.KafkaTopic)
	}
	if rdb != nil && cfg.RedisStream != "" {
		sinks = append(sinks, events.NewStreamSink(rdb, cfg.RedisStream, cfg.RedisStreamMaxLen))
		slog.Info("publishing liquidations to Redis stream", "stream", cfg.RedisStream)
	}

	// --- Liquidation ---
	scanner := liquidation.NewScanner(st, feed)
	executor := liquidation.NewExecutor(st, feed, rt, liquidation.ExecutorConfig{
		Policy: liquidation.Policy{
			BufferRatio:  cfg.LiquidationBufferRatio,
			PreferSingle: cfg.LiquidationPreferSingle,
		},
		Liquidator: cfg.LiquidatorID,
		Sink:       events.NewMulti(sinks...),
	})

	if cfg.KeeperEnabled {
		keeper := liquidation.NewKeeper(scanner, executor, liquidation.KeeperConfig{
			Interval:     cfg.KeeperInterval,
			Concurrency:  cfg.KeeperConcurrency,
			MaxAttempts:  cfg.KeeperMaxAttempts,
			RetryBackoff: cfg.KeeperRetryBackoff,
		})
		go func() {
			if err := keeper.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("keeper stopped", "err", err)
			}
		}()
	}

	svc := api.NewService(api.Config{
		Store:    st,
		Feed:     feed,
		Scanner:  scanner,
		Executor: executor,
		Ledger:   ledger,
		Hub:      wsHub,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"risk-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Register(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("risk-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down risk-engine...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("risk-engine stopped")
}
