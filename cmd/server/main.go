/**
 * @description
 * This is the main entry point for the reward service. It loads configuration, connects to
 * PostgreSQL, Redis and RabbitMQ, builds the reward pipeline (matcher, evaluator, ledger,
 * provisioner, dispatcher, redemption manager) and serves the HTTP API. It also consumes
 * call disposition events published by the telephony integration.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Backing store for the validate-code rate limiter.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/giftcardclient, pkg/smsclient: Clients for the gift card and SMS providers.
 * - pkg/rabbitmq: Client for RabbitMQ.
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

	"github.com/Phillboard/mobul-sub001/internal/api"
	"github.com/Phillboard/mobul-sub001/internal/app"
	"github.com/Phillboard/mobul-sub001/internal/config"
	"github.com/Phillboard/mobul-sub001/internal/normalizer"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/Phillboard/mobul-sub001/internal/telemetry"
	"github.com/Phillboard/mobul-sub001/pkg/giftcardclient"
	rmrabbit "github.com/Phillboard/mobul-sub001/pkg/rabbitmq"
	"github.com/Phillboard/mobul-sub001/pkg/smsclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const callDispositionRoutingKey = "call.disposition.recorded"

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(".env.local"); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env.local file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid configuration\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting reward service\" port=%s", cfg.ServerPort)

	shutdownTracing, err := telemetry.Setup(context.Background(), "reward-service", cfg.OTLPEndpoint)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"tracing disabled\" err=%v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var limiter app.RateLimiter
	if cfg.ValidateCodeRateLimitPerMinute > 0 {
		if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
			defer redisClient.Close()
			limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
		}
	}

	// Missing provider credentials degrade the waterfall and SMS delivery instead of blocking boot.
	var issuer app.CardIssuer
	if strings.TrimSpace(cfg.GiftCardAPIBaseURL) != "" && strings.TrimSpace(cfg.GiftCardAPIKey) != "" {
		issuer = giftcardclient.NewClient(cfg.GiftCardAPIBaseURL, cfg.GiftCardAPIKey)
	} else {
		log.Println("level=warn component=bootstrap msg=\"gift card api not configured; inventory only\" env=GIFT_CARD_API_BASE_URL")
	}
	var sms app.SMSSender
	if strings.TrimSpace(cfg.SMSAccountSID) != "" && strings.TrimSpace(cfg.SMSAuthToken) != "" {
		sms = smsclient.NewClient(cfg.SMSAPIBaseURL, cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSFromNumber)
	} else {
		log.Println("level=warn component=bootstrap msg=\"sms provider not configured; deliveries will be recorded as failed\" env=SMS_ACCOUNT_SID")
	}

	repository := store.NewPostgresRepository(dbpool)

	ledger := app.NewLedger(repository)
	provisioner := app.NewProvisioner(repository, issuer)
	fulfillment := app.NewFulfillment(repository, ledger, provisioner)
	dispatcher := app.NewDispatcher(repository, sms, cfg.RedemptionBase)
	evaluator := app.NewEvaluator(repository, fulfillment, dispatcher, publisher, cfg.ProvisioningLease())
	redemptions := app.NewRedemptionManager(repository, fulfillment, publisher)
	pipeline := app.NewPipeline(repository, normalizer.NewRegistry(), app.NewMatcher(repository), evaluator, cfg.WebhookSecret, cfg.StrictWebhookSignatures)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; call dispositions only via webhook\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		dispositions := app.NewCallDispositionConsumer(pipeline)
		rabbitConsumer.Handle(callDispositionRoutingKey, dispositions.HandleMessage)
		if err := rabbitConsumer.Start(context.Background(), cfg.EventExchange, cfg.CallDispositionQueue, 10); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"call disposition consumer start failed\" err=%v", err)
		}
		log.Printf("level=info component=bootstrap msg=\"call disposition consumer started\" queue=%s", cfg.CallDispositionQueue)
	}

	handlers := api.NewHandlers(evaluator, fulfillment, redemptions, limiter, cfg.ValidateCodeRateLimitPerMinute)
	router := api.NewRouter(handlers, api.NewWebhookHandler(pipeline), api.RouterConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		AdminJWTSecret: cfg.AdminJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
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

// connectRedis returns nil when Redis is unset or unreachable, which disables rate limiting.
func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; validate-code rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; validate-code rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; validate-code rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
