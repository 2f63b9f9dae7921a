/**
 * @description
 * Entry point for the settlement service. It wires configuration, storage,
 * the payment gateway, the event broker and the HTTP API, then serves until
 * SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: Optional .env loading for local runs.
 * - github.com/jackc/pgx/v5: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: Shared rate limiter backend.
 * - pkg/rabbitmq: Event producer and membership consumer.
 * - pkg/gateway: Payment gateway adapters.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/seatshare/settlement-service/internal/api"
	"github.com/seatshare/settlement-service/internal/app"
	"github.com/seatshare/settlement-service/internal/config"
	"github.com/seatshare/settlement-service/internal/store"
	"github.com/seatshare/settlement-service/pkg/gateway"
	rmrabbit "github.com/seatshare/settlement-service/pkg/rabbitmq"
)

const membershipRevokedRoutingKey = "membership.revoked"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; internal routes will reject every call\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s gateway=%s", cfg.ServerPort, cfg.GatewayProvider)

	repository, closeRepo := openRepository(cfg)
	defer closeRepo()

	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		} else {
			producer = eventProducer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}
	defer producer.Close()
	notifier := app.NewEventNotifier(producer, cfg.EventsExchange)

	seats := app.NewSeatAllocator(repository, notifier, cfg.GroupSubscriptionCap, cfg.DefaultCurrency)
	requests := app.NewJoinRequestWorkflow(repository, seats, notifier)
	ledger := app.NewPaymentLedger(repository, newGateway(cfg), notifier, app.LedgerConfig{
		RetentionDays:    cfg.RetentionDays,
		GatewayTimeout:   cfg.GatewayTimeout(),
		ChargeAttemptTTL: cfg.ChargeAttemptTTL(),
	})
	disputes := app.NewDisputeResolver(repository, ledger, notifier)

	if cfg.RabbitMQURL != "" {
		consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, 10)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; membership revocations will not be processed\" err=%v", err)
		} else {
			defer consumer.Close()
			revoked := app.NewMembershipRevokedConsumer(seats, requests)
			bindings := map[string]rmrabbit.Handler{membershipRevokedRoutingKey: revoked.HandleMessage}
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.MembershipEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"membership consumer start failed\" err=%v", err)
			}
			log.Printf("level=info component=bootstrap msg=\"membership consumer started\" queue=%s", cfg.MembershipEventQueue)
		}
	}

	routerOpts := api.RouterOptions{
		JWKSURL:                   cfg.ClerkJWKSURL,
		InternalAPIKey:            cfg.InternalAPIKey,
		RequestRateLimitPerMinute: cfg.RequestRateLimitPerMinute,
		DisputeRateLimitPerMinute: cfg.DisputeRateLimitPerMinute,
	}
	if redisClient := openRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		routerOpts.Limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	handlers := api.NewHandlers(repository, seats, requests, ledger, disputes)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           api.NewRouter(handlers, routerOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openRepository connects to PostgreSQL, or falls back to the in-memory
// repository when DATABASE_URL is unset.
func openRepository(cfg config.Config) (store.Repository, func()) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-memory repository\" env=DATABASE_URL")
		return store.NewMemoryRepository(), func() {}
	}

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"migrations applied\"")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// openRedis returns nil when rate limiting is disabled or Redis is unreachable;
// the API then serves without limits.
func openRedis(cfg config.Config) *redis.Client {
	if cfg.RequestRateLimitPerMinute <= 0 && cfg.DisputeRateLimitPerMinute <= 0 {
		return nil
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

func newGateway(cfg config.Config) app.Gateway {
	switch cfg.GatewayProvider {
	case config.GatewayHTTP:
		return gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout())
	case config.GatewayStripe:
		if cfg.StripeSecretKey == "" {
			log.Fatalf("level=fatal component=bootstrap msg=\"stripe gateway selected without a secret key\" env=STRIPE_SECRET_KEY")
		}
		return gateway.NewStripeGateway(cfg.StripeSecretKey)
	default:
		log.Println("level=warn component=bootstrap msg=\"using stub payment gateway\"")
		return gateway.NewStubGateway()
	}
}
