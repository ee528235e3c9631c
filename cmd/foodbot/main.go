// Package main запускает HTTP-сервер сервиса заказов бота.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/foodbot/internal/config"
	"github.com/mmeshcher/foodbot/internal/events"
	"github.com/mmeshcher/foodbot/internal/handler"
	"github.com/mmeshcher/foodbot/internal/metrics"
	"github.com/mmeshcher/foodbot/internal/middleware"
	"github.com/mmeshcher/foodbot/internal/repository"
	"github.com/mmeshcher/foodbot/internal/repository/memory"
	"github.com/mmeshcher/foodbot/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	logger, err = newLogger(cfg.LogLevel)
	if err != nil {
		sugar.Fatalw("logger initialization error", "error", err.Error())
	}
	defer logger.Sync()
	sugar = logger.Sugar()

	var (
		repo   service.Repository
		outbox *repository.PostgresRepository
	)
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo, outbox = pg, pg
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory storage; data is lost on restart")
		repo = memory.NewStore()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	brokers := events.ParseBrokers(cfg.KafkaBrokers)
	topic := cfg.OrderEventsTopic
	if outbox == nil || len(brokers) == 0 {
		topic = ""
	}

	svc := service.NewService(repo, logger, m, service.Options{
		InitialBalance:   cfg.InitialBalance,
		MaxAttempts:      cfg.CheckoutAttempts,
		RetryBaseDelay:   cfg.CheckoutRetryDelay,
		LockWait:         cfg.CheckoutLockWait,
		OrderEventsTopic: topic,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret, cfg.ServiceToken)
	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, issued tokens are invalidated on restart")
	}
	if cfg.ServiceToken == "" {
		sugar.Warn("SERVICE_TOKEN is not set, tokens are issued only to newly registered users")
	}
	h := handler.NewHandler(svc, logger, authMiddleware, m, metrics.Handler(reg))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Ретрансляция событий о заказах из outbox в Kafka
	if topic != "" {
		publisher := events.NewKafkaPublisher(brokers)
		defer publisher.Close()

		relay := events.NewRelay(outbox, publisher, logger, cfg.OutboxPollInterval)
		g.Go(func() error {
			sugar.Infow("starting order events relay", "brokers", brokers, "topic", topic)
			return relay.Run(ctx)
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting foodbot server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
