/**
 * @description
 * Standalone expiration sweeper. This is a non-HTTP, long-running process that runs
 * the sweep on its cron schedule and drains the outbox the expirations produce.
 * Deployments that set SWEEPER_EMBEDDED=true on the lifecycle service do not need it.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/app"
	"github.com/transfa/lifecycle-service/internal/bus"
	"github.com/transfa/lifecycle-service/internal/config"
	"github.com/transfa/lifecycle-service/internal/risk"
	"github.com/transfa/lifecycle-service/internal/store"
	"github.com/transfa/lifecycle-service/pkg/callbackclient"
	"github.com/transfa/lifecycle-service/pkg/logging"
	rmrabbit "github.com/transfa/lifecycle-service/pkg/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.AppEnv, "lifecycle-sweeper")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StoreDriver == "memory" {
		logger.Fatal("the standalone sweeper needs a shared database; use SWEEPER_EMBEDDED with the memory driver")
	}
	repo, closeStore, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer closeStore()
	logger.Info("database connection established")

	var analytics app.AnalyticsSink = app.NoopAnalytics{}
	if len(cfg.KafkaBrokerList) > 0 {
		analytics = app.NewKafkaAnalytics(cfg.KafkaBrokerList, cfg.KafkaAnalyticsTopic, logger)
		logger.Info("analytics stream enabled", zap.String("topic", cfg.KafkaAnalyticsTopic))
	}
	defer analytics.Close()

	exchange := bus.NewTopology(cfg.EventExchange, "", "", "").Exchange
	demandes := app.NewDemandeService(repo, risk.NewEngine(), app.DemandeServiceConfig{
		Exchange:     exchange,
		TTL:          cfg.DemandeTTL,
		LimitsByRisk: cfg.LimitsByRisk,
	}, analytics, logger)
	transactions := app.NewTransactionService(repo, nil, app.TransactionServiceConfig{
		Exchange: exchange,
		TTL:      cfg.TransactionTTL,
	}, analytics, logger)

	var publisher rmrabbit.Publisher
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; outbox messages stay pending", zap.Error(err))
		publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	} else {
		publisher = producer
	}
	defer publisher.Close()

	dispatcher := app.NewOutboxDispatcher(repo, publisher, callbackclient.NewClient(15*time.Second), cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger)
	go dispatcher.Run(ctx)

	sweeper := app.NewSweeper(repo, demandes, transactions, cfg.SweeperBatchSize, logger)
	scheduler := app.NewScheduler(sweeper, cfg.SweeperSchedule, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("sweeper schedule invalid", zap.String("schedule", cfg.SweeperSchedule), zap.Error(err))
	}
	logger.Info("scheduler started")

	<-ctx.Done()

	logger.Info("shutdown signal received, stopping scheduler")
	<-scheduler.Stop().Done()
	logger.Info("scheduler stopped gracefully")
}
