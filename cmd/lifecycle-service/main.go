/**
 * @description
 * Main entry point for the lifecycle service. It wires configuration, storage,
 * the broker consumers, the outbox dispatcher, the optional embedded sweeper and the
 * HTTP server, then waits for a termination signal.
 *
 * @dependencies
 * - github.com/joho/godotenv, internal/config: configuration.
 * - internal/store: PostgreSQL (pgx) or in-memory storage.
 * - pkg/rabbitmq: consumers and the outbox publisher.
 * - github.com/redis/go-redis/v9: processed-event guard and submission rate limiting.
 * - github.com/segmentio/kafka-go: analytics stream.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/api"
	"github.com/transfa/lifecycle-service/internal/app"
	"github.com/transfa/lifecycle-service/internal/bus"
	"github.com/transfa/lifecycle-service/internal/config"
	"github.com/transfa/lifecycle-service/internal/risk"
	"github.com/transfa/lifecycle-service/internal/store"
	"github.com/transfa/lifecycle-service/pkg/callbackclient"
	"github.com/transfa/lifecycle-service/pkg/gatewayclient"
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

	logger, err := logging.New(cfg.AppEnv, "lifecycle-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		logger.Warn("internal api key not configured; internal routes are unauthenticated", zap.String("env", "INTERNAL_API_KEY"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("storage init failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()
	logger.Info("storage ready", zap.String("driver", cfg.StoreDriver))

	redisClient := connectRedis(ctx, cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var analytics app.AnalyticsSink = app.NoopAnalytics{}
	if len(cfg.KafkaBrokerList) > 0 {
		analytics = app.NewKafkaAnalytics(cfg.KafkaBrokerList, cfg.KafkaAnalyticsTopic, logger)
		logger.Info("analytics stream enabled", zap.Strings("brokers", cfg.KafkaBrokerList), zap.String("topic", cfg.KafkaAnalyticsTopic))
	}
	defer analytics.Close()

	var gateway app.PaymentGateway
	if strings.TrimSpace(cfg.GatewayBaseURL) != "" {
		gateway = gatewayclient.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayCallbackURL)
	} else {
		logger.Warn("payment gateway not configured; references must come from callers or callbacks", zap.String("env", "GATEWAY_BASE_URL"))
	}

	topology := bus.NewTopology(cfg.EventExchange, cfg.DemandeQueue, cfg.TransactionQueue, cfg.CardQueue)

	engine := risk.NewDefaultEngine(risk.Options{
		EmailVelocityThreshold:  cfg.RiskEmailVelocityThreshold,
		AgencyVelocityThreshold: cfg.RiskAgencyVelocityThreshold,
		DocumentQualityFloor:    cfg.RiskDocumentQualityFloor,
		Watchlist:               cfg.RiskWatchlist,
		DisposableDomains:       cfg.RiskDisposableDomains,
	})
	demandes := app.NewDemandeService(repo, engine, app.DemandeServiceConfig{
		Exchange:       topology.Exchange,
		TTL:            cfg.DemandeTTL,
		VelocityWindow: cfg.RiskVelocityWindow,
		LimitsByRisk:   cfg.LimitsByRisk,
	}, analytics, logger)
	transactions := app.NewTransactionService(repo, gateway, app.TransactionServiceConfig{
		Exchange: topology.Exchange,
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

	var guard app.EventGuard = app.NoopEventGuard{}
	var limiter api.SubmissionLimiter
	if redisClient != nil {
		guard = app.NewRedisEventGuard(redisClient, cfg.RedisKeyPrefix, cfg.ProcessedEventTTL)
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}

	consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger,
		rmrabbit.WithDeadLetterExchange(topology.DeadLetterExchange()),
		rmrabbit.WithPrefetch(cfg.ConsumerPrefetch),
	)
	if err != nil {
		logger.Fatal("rabbitmq consumer init failed", zap.Error(err))
	}
	defer consumer.Close()

	demandeConsumer := app.NewDemandeConsumer(demandes, guard, logger)
	transactionConsumer := app.NewTransactionConsumer(transactions, guard, logger)
	handlersByKey := map[string]rmrabbit.Handler{
		bus.RoutingDemandeSend:        demandeConsumer.HandleMessage,
		bus.RoutingTransactionSend:    transactionConsumer.HandleTransaction,
		bus.RoutingRetraitSend:        transactionConsumer.HandleWithdrawal,
		bus.RoutingCardRechargeSend:   transactionConsumer.HandleCardRecharge,
		bus.RoutingCardWithdrawalSend: transactionConsumer.HandleCardWithdrawal,
	}
	for _, queue := range topology.Queues() {
		bindings := make(map[string]rmrabbit.Handler, len(queue.RoutingKeys))
		for _, key := range queue.RoutingKeys {
			bindings[key] = handlersByKey[key]
		}
		if err := consumer.ConsumeWithBindings(topology.Exchange, queue.Name, bindings); err != nil {
			logger.Fatal("consumer start failed", zap.String("queue", queue.Name), zap.Error(err))
		}
		logger.Info("consuming", zap.String("queue", queue.Name), zap.Strings("routing_keys", queue.RoutingKeys))
	}

	var scheduler *app.Scheduler
	if cfg.SweeperEmbedded {
		sweeper := app.NewSweeper(repo, demandes, transactions, cfg.SweeperBatchSize, logger)
		scheduler = app.NewScheduler(sweeper, cfg.SweeperSchedule, logger)
		if err := scheduler.Start(); err != nil {
			logger.Fatal("sweeper schedule invalid", zap.String("schedule", cfg.SweeperSchedule), zap.Error(err))
		}
	}

	handlers := api.NewHandlers(demandes, transactions, limiter, cfg.SubmissionRateLimitPerMinute, logger)
	router := api.NewRouter(handlers, api.AuthConfig{
		InternalAPIKey:        cfg.InternalAPIKey,
		ReviewerJWTSecret:     cfg.ReviewerJWTSecret,
		GatewayCallbackSecret: cfg.GatewayCallbackSecret,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func connectRedis(ctx context.Context, redisURL string, logger *zap.Logger) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing; event guard and rate limiting disabled", zap.String("env", "REDIS_URL"))
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; event guard and rate limiting disabled", zap.Error(err))
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; event guard and rate limiting disabled", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
