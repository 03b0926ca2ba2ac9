package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/payout-ledger/internal/api"
	"github.com/ayo6706/payout-ledger/internal/api/handler"
	"github.com/ayo6706/payout-ledger/internal/config"
	"github.com/ayo6706/payout-ledger/internal/db"
	"github.com/ayo6706/payout-ledger/internal/events"
	"github.com/ayo6706/payout-ledger/internal/idempotency"
	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/ayo6706/payout-ledger/internal/repository"
	"github.com/ayo6706/payout-ledger/internal/repository/memory"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/ayo6706/payout-ledger/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// App holds the wired services. Close releases every connection it opened.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Ledger     *service.Ledger
	Streams    *service.StreamEngine
	Settlement *service.SettlementService
	Pipeline   *service.PaymentPipeline
	Recon      *service.ReconciliationService
	Directory  service.Directory
	Deps       map[string]handler.Pinger

	closers []func()
}

// Build connects to the configured backends and wires the services. Without
// DATABASE_URL everything runs on the in-memory store.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Deps: map[string]handler.Pinger{}}

	var (
		ledgerStore service.LedgerStore
		streamStore service.StreamStore
		configs     service.ConfigStore
		directory   service.Directory
	)
	if cfg.UsesPostgres() {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		store := repository.NewStore(pool)
		a.Deps["database"] = store
		ledgerStore, streamStore, configs, directory = store, store, store, store
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store := memory.NewStore()
		ledgerStore, streamStore, configs, directory = store, store, store, store
	}

	var replay *idempotency.Store
	if cfg.UsesRedis() {
		rdb, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.Deps["redis"] = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		configs = repository.NewCachedConfigStore(configs, rdb, cfg.ConfigCacheTTL)
		replay = idempotency.NewStore(rdb, cfg.IdempotencyTTL)
	}

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if cfg.UsesKafka() {
		writer := events.NewKafkaWriter(cfg.KafkaBrokers)
		a.closers = append(a.closers, func() { _ = writer.Close() })
		publisher = events.NewKafkaPublisher(writer, cfg.KafkaEntriesTopic, cfg.KafkaSettlementsTopic)
	}

	a.Ledger = service.NewLedger(ledgerStore, tenant.NewGuard(logger), publisher, logger).
		WithMaxAttempts(uint(cfg.LedgerMaxAttempts))
	a.Streams = service.NewStreamEngine(a.Ledger, streamStore, logger).
		WithConcurrency(cfg.StreamConcurrency).
		WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.SweepRatePerSec), cfg.StreamConcurrency))
	a.Settlement = service.NewSettlementService(a.Ledger, configs, publisher, logger)
	if replay != nil {
		a.Settlement.WithReplayCache(replay)
	}
	a.Directory = directory
	a.Pipeline = service.NewPaymentPipeline(service.NewNormalizer(directory, configs), a.Settlement)
	a.Recon = service.NewReconciliationService(ledgerStore)
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Run bootstraps the ops HTTP server and background workers, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.UsesPostgres() {
		if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	a, err := Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sweeper := worker.NewStreamSweepWorker(a.Streams).
		WithInterval(cfg.SweepInterval).
		WithMinAge(cfg.SweepMinAge).
		WithBatchSize(cfg.SweepBatchSize)
	stopSweeper := sweeper.Run(ctx)
	logger.Info("stream sweep worker started", zap.Stringer("worker", sweeper))

	stopRecon := worker.NewReconciliationWorker(a.Recon).
		WithInterval(cfg.ReconciliationInterval).
		Run(ctx)

	consumerDone := make(chan struct{})
	if cfg.KafkaPaymentsTopic != "" {
		reader := worker.NewPaymentReader(cfg.KafkaBrokers, cfg.KafkaPaymentsTopic, cfg.KafkaGroupID)
		consumer := worker.NewPaymentConsumer(reader, a.Pipeline, logger)
		go func() {
			defer close(consumerDone)
			if err := consumer.Start(ctx); err != nil {
				logger.Error("payment consumer stopped", zap.Error(err))
			}
		}()
		a.Deps["kafka"] = handler.PingFunc(func(ctx context.Context) error {
			conn, err := kafka.DialContext(ctx, "tcp", cfg.KafkaBrokers[0])
			if err != nil {
				return err
			}
			return conn.Close()
		})
	} else {
		close(consumerDone)
	}

	router := api.NewRouter(a.Deps, a.Ledger, a.Recon, a.Settlement, a.Streams, logger)
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopSweeper()
	stopRecon()
	cancel()
	<-consumerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
