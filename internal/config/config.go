/**
 * @description
 * This package handles the configuration management for the lifecycle service and
 * the scheduler. It uses Viper to read configuration from environment variables
 * (and an optional .env file), following the same conventions as the other services.
 *
 * @dependencies
 * - github.com/spf13/viper: application configuration.
 * - github.com/shopspring/decimal: monetary limits are parsed as decimals.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/transfa/lifecycle-service/internal/domain"
)

// Config holds all the configuration variables for the lifecycle service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	AppEnv      string `mapstructure:"APP_ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`

	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	EventExchange    string `mapstructure:"EVENT_EXCHANGE"`
	DemandeQueue     string `mapstructure:"DEMANDE_QUEUE"`
	TransactionQueue string `mapstructure:"TRANSACTION_QUEUE"`
	CardQueue        string `mapstructure:"CARD_QUEUE"`
	ConsumerPrefetch int    `mapstructure:"CONSUMER_PREFETCH"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	KafkaAnalyticsTopic string `mapstructure:"KAFKA_ANALYTICS_TOPIC"`

	InternalAPIKey        string `mapstructure:"INTERNAL_API_KEY"`
	ReviewerJWTSecret     string `mapstructure:"REVIEWER_JWT_SECRET"`
	GatewayCallbackSecret string `mapstructure:"GATEWAY_CALLBACK_SECRET"`
	GatewayBaseURL        string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey         string `mapstructure:"GATEWAY_API_KEY"`
	GatewayCallbackURL    string `mapstructure:"GATEWAY_CALLBACK_URL"`

	DemandeTTL     time.Duration `mapstructure:"DEMANDE_TTL"`
	TransactionTTL time.Duration `mapstructure:"TRANSACTION_TTL"`

	SweeperSchedule  string `mapstructure:"SWEEPER_SCHEDULE"`
	SweeperBatchSize int    `mapstructure:"SWEEPER_BATCH_SIZE"`
	SweeperEmbedded  bool   `mapstructure:"SWEEPER_EMBEDDED"`

	RiskVelocityWindow          time.Duration `mapstructure:"RISK_VELOCITY_WINDOW"`
	RiskEmailVelocityThreshold  int           `mapstructure:"RISK_EMAIL_VELOCITY_THRESHOLD"`
	RiskAgencyVelocityThreshold int           `mapstructure:"RISK_AGENCY_VELOCITY_THRESHOLD"`
	RiskDocumentQualityFloor    float64       `mapstructure:"RISK_DOCUMENT_QUALITY_FLOOR"`
	RiskWatchlistRaw            string        `mapstructure:"RISK_WATCHLIST"`
	RiskDisposableDomainsRaw    string        `mapstructure:"RISK_DISPOSABLE_DOMAINS"`

	SubmissionRateLimitPerMinute int           `mapstructure:"SUBMISSION_RATE_LIMIT_PER_MINUTE"`
	OutboxPollInterval           time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize              int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	ProcessedEventTTL            time.Duration `mapstructure:"PROCESSED_EVENT_TTL"`

	// Derived values.
	KafkaBrokerList       []string                           `mapstructure:"-"`
	RiskWatchlist         []string                           `mapstructure:"-"`
	RiskDisposableDomains []string                           `mapstructure:"-"`
	LimitsByRisk          map[domain.RiskLevel]domain.Limits `mapstructure:"-"`
}

var riskLevels = []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical}

var defaultLimits = map[domain.RiskLevel][3]string{
	domain.RiskLow:      {"500000", "1000000", "300"},
	domain.RiskMedium:   {"200000", "500000", "150"},
	domain.RiskHigh:     {"100000", "200000", "60"},
	domain.RiskCritical: {"50000", "100000", "30"},
}

// LoadConfig reads configuration from environment variables and an optional .env
// file found under path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("EVENT_EXCHANGE", "wallet.events")
	viper.SetDefault("DEMANDE_QUEUE", "lifecycle.demande.queue")
	viper.SetDefault("TRANSACTION_QUEUE", "lifecycle.transaction.queue")
	viper.SetDefault("CARD_QUEUE", "lifecycle.card.queue")
	viper.SetDefault("CONSUMER_PREFETCH", 20)
	viper.SetDefault("REDIS_KEY_PREFIX", "lifecycle")
	viper.SetDefault("KAFKA_ANALYTICS_TOPIC", "lifecycle.analytics")
	viper.SetDefault("DEMANDE_TTL", "72h")
	viper.SetDefault("TRANSACTION_TTL", "15m")
	viper.SetDefault("SWEEPER_SCHEDULE", "@every 1m")
	viper.SetDefault("SWEEPER_BATCH_SIZE", 100)
	viper.SetDefault("SWEEPER_EMBEDDED", false)
	viper.SetDefault("RISK_VELOCITY_WINDOW", "720h")
	viper.SetDefault("RISK_EMAIL_VELOCITY_THRESHOLD", 3)
	viper.SetDefault("RISK_AGENCY_VELOCITY_THRESHOLD", 20)
	viper.SetDefault("RISK_DOCUMENT_QUALITY_FLOOR", 0.5)
	viper.SetDefault("SUBMISSION_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("PROCESSED_EVENT_TTL", "24h")

	for _, key := range []string{
		"SERVER_PORT", "APP_ENV", "DATABASE_URL", "STORE_DRIVER",
		"RABBITMQ_URL", "EVENT_EXCHANGE", "DEMANDE_QUEUE", "TRANSACTION_QUEUE", "CARD_QUEUE", "CONSUMER_PREFETCH",
		"REDIS_URL", "REDIS_KEY_PREFIX", "KAFKA_BROKERS", "KAFKA_ANALYTICS_TOPIC",
		"INTERNAL_API_KEY", "REVIEWER_JWT_SECRET", "GATEWAY_CALLBACK_SECRET",
		"GATEWAY_BASE_URL", "GATEWAY_API_KEY", "GATEWAY_CALLBACK_URL",
		"DEMANDE_TTL", "TRANSACTION_TTL", "SWEEPER_SCHEDULE", "SWEEPER_BATCH_SIZE", "SWEEPER_EMBEDDED",
		"RISK_VELOCITY_WINDOW", "RISK_EMAIL_VELOCITY_THRESHOLD", "RISK_AGENCY_VELOCITY_THRESHOLD",
		"RISK_DOCUMENT_QUALITY_FLOOR", "RISK_WATCHLIST", "RISK_DISPOSABLE_DOMAINS",
		"SUBMISSION_RATE_LIMIT_PER_MINUTE", "OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "PROCESSED_EVENT_TTL",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")
	for _, level := range riskLevels {
		for i, suffix := range limitSuffixes {
			key := limitKey(level, suffix)
			viper.SetDefault(key, defaultLimits[level][i])
			_ = viper.BindEnv(key)
		}
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "lifecycle"
	}
	if config.SweeperBatchSize <= 0 {
		log.Printf("level=warn component=config msg=\"invalid sweeper batch size; using default\" value=%d", config.SweeperBatchSize)
		config.SweeperBatchSize = 100
	}
	if config.DemandeTTL <= 0 {
		config.DemandeTTL = 72 * time.Hour
	}
	if config.TransactionTTL <= 0 {
		config.TransactionTTL = 15 * time.Minute
	}

	config.KafkaBrokerList = splitList(config.KafkaBrokers, false)
	config.RiskWatchlist = splitList(config.RiskWatchlistRaw, false)
	config.RiskDisposableDomains = splitList(config.RiskDisposableDomainsRaw, true)

	config.LimitsByRisk, err = loadLimits()
	return
}

var limitSuffixes = []string{"DAILY_WITHDRAWAL", "DAILY_TRANSFER", "MONTHLY_OPERATIONS"}

func limitKey(level domain.RiskLevel, suffix string) string {
	return fmt.Sprintf("LIMITS_%s_%s", level, suffix)
}

func loadLimits() (map[domain.RiskLevel]domain.Limits, error) {
	out := make(map[domain.RiskLevel]domain.Limits, len(riskLevels))
	for _, level := range riskLevels {
		values := make([]decimal.Decimal, len(limitSuffixes))
		for i, suffix := range limitSuffixes {
			key := limitKey(level, suffix)
			raw := strings.TrimSpace(viper.GetString(key))
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", key, raw, err)
			}
			if v.IsNegative() {
				return nil, fmt.Errorf("%s must not be negative", key)
			}
			values[i] = v
		}
		out[level] = domain.Limits{
			DailyWithdrawalLimit:   values[0],
			DailyTransferLimit:     values[1],
			MonthlyOperationsLimit: values[2],
		}
	}
	return out, nil
}

func splitList(raw string, lower bool) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lower {
			part = strings.ToLower(part)
		}
		out = append(out, part)
	}
	return out
}
