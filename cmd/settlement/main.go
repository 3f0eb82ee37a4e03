package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/corebank/settlement/internal/config"
	"github.com/corebank/settlement/internal/consumer"
	"github.com/corebank/settlement/internal/server"
	"github.com/corebank/settlement/internal/settlement"
	"github.com/corebank/settlement/internal/storage"
	"github.com/corebank/settlement/libs/health"
	"github.com/corebank/settlement/libs/httpmiddleware"
	"github.com/corebank/settlement/libs/kafka"
	"github.com/corebank/settlement/libs/logging"
	"github.com/corebank/settlement/libs/metrics"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		slog.Error("settlement service exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	slog.SetDefault(logger)

	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(registry)
	settlementMetrics := settlement.NewMetrics(registry)
	producerMetrics := kafka.NewProducerMetrics(registry)

	healthMgr := health.NewManager(false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	defer pool.Close()

	store := storage.NewPostgres(pool, cfg.DB.RowLockTimeout, logger)
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("postgres not reachable: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	engine := settlement.NewEngine(store, settlement.NewLockTable(), cfg.Settlement.LockWait, logger, settlementMetrics)
	retrier := settlement.NewRetrier(engine, cfg.Settlement.MaxAttempts, cfg.Settlement.RetryBaseDelay, logger, settlementMetrics)

	router := gin.New()
	router.Use(
		httpmiddleware.RequestID(),
		httpmiddleware.Logger(logger),
		httpmiddleware.Recovery(logger),
	)
	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(healthMgr))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	server.New(retrier, store, logger).Register(router)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, producerMetrics)
		if err != nil {
			return err
		}
		defer producer.Close()

		kafkaConsumer, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			return err
		}
		defer kafkaConsumer.Close()

		handler := consumer.NewTransferConsumer(
			retrier, producer,
			cfg.Kafka.TransfersCompleted, cfg.Kafka.TransfersRejected,
			logger,
		)
		go func() {
			logger.Info("kafka consumer starting",
				"topic", cfg.Kafka.TransfersRequested, "group", cfg.Kafka.ConsumerGroup)
			if err := kafkaConsumer.Consume(ctx, []string{cfg.Kafka.TransfersRequested}, handler); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	} else {
		logger.Warn("kafka disabled, transfer events will not be consumed or published")
	}

	healthMgr.SetReady(true)
	logger.Info("settlement service ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	healthMgr.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("settlement service stopped")
	return nil
}
