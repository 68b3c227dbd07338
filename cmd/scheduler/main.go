/**
 * @description
 * This is the main entry point for the reward scheduler.
 * It is a non-HTTP, long-running process that runs the condition sweeps and the SMS
 * delivery reconciliation on cron schedules.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/app"
	"github.com/Phillboard/mobul-sub001/internal/config"
	"github.com/Phillboard/mobul-sub001/internal/scheduler"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/Phillboard/mobul-sub001/internal/telemetry"
	"github.com/Phillboard/mobul-sub001/pkg/giftcardclient"
	rmrabbit "github.com/Phillboard/mobul-sub001/pkg/rabbitmq"
	"github.com/Phillboard/mobul-sub001/pkg/smsclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(".env.local"); err != nil {
		logger.Info("no .env.local file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, "reward-scheduler", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventExchange); err != nil {
		logger.Warn("rabbitmq producer unavailable; reward events will not be published", "error", err)
	} else {
		defer producer.Close()
		publisher = producer
	}

	var issuer app.CardIssuer
	if strings.TrimSpace(cfg.GiftCardAPIBaseURL) != "" && strings.TrimSpace(cfg.GiftCardAPIKey) != "" {
		issuer = giftcardclient.NewClient(cfg.GiftCardAPIBaseURL, cfg.GiftCardAPIKey)
	}
	var sms app.SMSSender
	if strings.TrimSpace(cfg.SMSAccountSID) != "" && strings.TrimSpace(cfg.SMSAuthToken) != "" {
		sms = smsclient.NewClient(cfg.SMSAPIBaseURL, cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSFromNumber)
	}

	repository := store.NewPostgresRepository(dbpool)
	ledger := app.NewLedger(repository)
	fulfillment := app.NewFulfillment(repository, ledger, app.NewProvisioner(repository, issuer))
	dispatcher := app.NewDispatcher(repository, sms, cfg.RedemptionBase)
	evaluator := app.NewEvaluator(repository, fulfillment, dispatcher, publisher, cfg.ProvisioningLease())

	jobs := scheduler.NewJobs(repository, evaluator, dispatcher, logger, cfg)
	cronScheduler := scheduler.NewScheduler(jobs, logger, cfg)

	scheduled := cronScheduler.Start()
	logger.Info("scheduler started", "jobs", scheduled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-cronScheduler.Stop().Done()
	logger.Info("scheduler stopped gracefully")
}
