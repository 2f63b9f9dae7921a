/**
 * @description
 * Configuration for the settlement service and its scheduler. Values come from
 * environment variables, optionally seeded by a .env file, through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding, defaults and unmarshalling.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the settlement-service settings.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RunMigrations             bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	MembershipEventQueue      string `mapstructure:"MEMBERSHIP_EVENT_QUEUE"`
	ClerkJWKSURL              string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	RetentionDays             int    `mapstructure:"RETENTION_DAYS"`
	GroupSubscriptionCap      int    `mapstructure:"GROUP_SUBSCRIPTION_CAP"`
	GatewayProvider           string `mapstructure:"GATEWAY_PROVIDER"`
	GatewayBaseURL            string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey             string `mapstructure:"GATEWAY_API_KEY"`
	StripeSecretKey           string `mapstructure:"STRIPE_SECRET_KEY"`
	GatewayTimeoutSeconds     int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	ChargeAttemptStaleMinutes int    `mapstructure:"CHARGE_ATTEMPT_STALE_MINUTES"`
	RequestRateLimitPerMinute int    `mapstructure:"REQUEST_RATE_LIMIT_PER_MINUTE"`
	DisputeRateLimitPerMinute int    `mapstructure:"DISPUTE_RATE_LIMIT_PER_MINUTE"`
	DefaultCurrency           string `mapstructure:"DEFAULT_CURRENCY"`
}

// Gateway providers accepted by GATEWAY_PROVIDER.
const (
	GatewayHTTP   = "http"
	GatewayStripe = "stripe"
	GatewayStub   = "stub"
)

// GatewayTimeout returns the per-call gateway deadline.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// ChargeAttemptTTL returns how long an unfinished charge or refund reservation blocks retries.
func (c Config) ChargeAttemptTTL() time.Duration {
	return time.Duration(c.ChargeAttemptStaleMinutes) * time.Minute
}

// LoadConfig reads configuration from the environment and an optional .env file under path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "seatshare:rate_limit")
	viper.SetDefault("EVENTS_EXCHANGE", "seatshare_events")
	viper.SetDefault("MEMBERSHIP_EVENT_QUEUE", "settlement_service.membership_revoked")
	viper.SetDefault("RETENTION_DAYS", 30)
	viper.SetDefault("GROUP_SUBSCRIPTION_CAP", 20)
	viper.SetDefault("GATEWAY_PROVIDER", GatewayStub)
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 15)
	viper.SetDefault("CHARGE_ATTEMPT_STALE_MINUTES", 30)
	viper.SetDefault("REQUEST_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("DISPUTE_RATE_LIMIT_PER_MINUTE", 5)
	viper.SetDefault("DEFAULT_CURRENCY", "USD")

	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "RUN_MIGRATIONS", "REDIS_URL", "REDIS_RATE_LIMIT_PREFIX",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "MEMBERSHIP_EVENT_QUEUE", "CLERK_JWKS_URL",
		"RETENTION_DAYS", "GROUP_SUBSCRIPTION_CAP", "GATEWAY_PROVIDER", "GATEWAY_BASE_URL",
		"GATEWAY_API_KEY", "STRIPE_SECRET_KEY", "GATEWAY_TIMEOUT_SECONDS", "CHARGE_ATTEMPT_STALE_MINUTES",
		"REQUEST_RATE_LIMIT_PER_MINUTE", "DISPUTE_RATE_LIMIT_PER_MINUTE", "DEFAULT_CURRENCY",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "seatshare:rate_limit"
	}
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if len(config.DefaultCurrency) != 3 {
		log.Printf("level=warn component=config msg=\"invalid DEFAULT_CURRENCY; using USD\" value=%q", config.DefaultCurrency)
		config.DefaultCurrency = "USD"
	}

	config.GatewayProvider = strings.ToLower(strings.TrimSpace(config.GatewayProvider))
	switch config.GatewayProvider {
	case GatewayHTTP, GatewayStripe, GatewayStub:
	default:
		log.Printf("level=warn component=config msg=\"unknown GATEWAY_PROVIDER; using stub\" value=%q", config.GatewayProvider)
		config.GatewayProvider = GatewayStub
	}

	if config.RetentionDays <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive retention configured; using default\" retention_days=%d", config.RetentionDays)
		config.RetentionDays = 30
	}
	if config.GroupSubscriptionCap <= 0 {
		config.GroupSubscriptionCap = 20
	}
	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 15
	}
	if config.ChargeAttemptStaleMinutes <= 0 {
		config.ChargeAttemptStaleMinutes = 30
	}
	if config.RequestRateLimitPerMinute <= 0 {
		config.RequestRateLimitPerMinute = 20
	}
	if config.DisputeRateLimitPerMinute <= 0 {
		config.DisputeRateLimitPerMinute = 5
	}
	return
}

// SchedulerConfig holds the scheduler settings.
type SchedulerConfig struct {
	SettlementServiceURL    string `mapstructure:"SETTLEMENT_SERVICE_URL"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	RetentionSweepSchedule  string `mapstructure:"RETENTION_SWEEP_SCHEDULE"`
	RetentionSweepBatchSize int    `mapstructure:"RETENTION_SWEEP_BATCH_SIZE"`
}

// LoadSchedulerConfig reads the scheduler settings from the environment.
func LoadSchedulerConfig() (*SchedulerConfig, error) {
	viper.SetDefault("SETTLEMENT_SERVICE_URL", "http://localhost:8080")
	viper.SetDefault("RETENTION_SWEEP_SCHEDULE", "*/15 * * * *") // Every 15 minutes.
	viper.SetDefault("RETENTION_SWEEP_BATCH_SIZE", 200)
	viper.AutomaticEnv()

	_ = viper.BindEnv("SETTLEMENT_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RETENTION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RETENTION_SWEEP_BATCH_SIZE")

	var config SchedulerConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.SettlementServiceURL = strings.TrimRight(strings.TrimSpace(config.SettlementServiceURL), "/")
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.RetentionSweepBatchSize <= 0 {
		config.RetentionSweepBatchSize = 200
	}
	return &config, nil
}
