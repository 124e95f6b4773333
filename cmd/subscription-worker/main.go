// The subscription worker runs the reliable-delivery subsystem: the outbox
// dispatcher, the registration saga orchestrator, and the subscription
// command consumers, all against postgres and RabbitMQ.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kairospay/subscription-core/config"
	"github.com/kairospay/subscription-core/log"
	"github.com/kairospay/subscription-core/messaging/rabbitmq"
	"github.com/kairospay/subscription-core/outbox"
	outboxpostgres "github.com/kairospay/subscription-core/outbox/postgres"
	"github.com/kairospay/subscription-core/postgres"
	"github.com/kairospay/subscription-core/runtime"
	"github.com/kairospay/subscription-core/saga"
	sagapostgres "github.com/kairospay/subscription-core/saga/postgres"
	"github.com/kairospay/subscription-core/subscription"
	subscriptionpostgres "github.com/kairospay/subscription-core/subscription/postgres"
	"github.com/kairospay/subscription-core/unitofwork"
	"github.com/kairospay/subscription-core/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "subscription-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger, err := zap.New(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg := &postgres.Connection{
		ConnectionStringPrimary: cfg.PostgresPrimaryDSN,
		ConnectionStringReplica: cfg.PostgresReplicaDSN,
		DBName:                  cfg.PostgresDBName,
		MigrationsPath:          cfg.MigrationsPath,
		Logger:                  logger,
	}

	if err := pg.Connect(ctx); err != nil {
		return err
	}
	defer pg.Close()

	txManager, err := postgres.NewTxManager(pg, postgres.WithTxLogger(logger))
	if err != nil {
		return err
	}

	outboxStore, err := outboxpostgres.NewStore(pg)
	if err != nil {
		return err
	}

	sagaStore, err := sagapostgres.NewStore(pg)
	if err != nil {
		return err
	}

	subscriptionStore, err := subscriptionpostgres.NewStore(pg)
	if err != nil {
		return err
	}

	amqpConn := &rabbitmq.Connection{URL: cfg.RabbitURL, Logger: logger}

	if err := amqpConn.Connect(ctx); err != nil {
		return err
	}
	defer amqpConn.Close()

	bus, err := rabbitmq.NewBus(amqpConn, cfg.ServiceName,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithExchange(cfg.RabbitExchange),
		rabbitmq.WithConcurrency(cfg.ConsumerConcurrency),
	)
	if err != nil {
		return err
	}
	defer bus.Close()

	uowManager, err := unitofwork.NewManager(txManager, outboxStore, bus,
		unitofwork.WithLogger(logger),
		unitofwork.WithMaxRetryCount(cfg.OutboxMaxRetryCount),
	)
	if err != nil {
		return err
	}

	registry := outbox.NewRegistry()
	if err := subscription.RegisterDecoders(registry); err != nil {
		return err
	}

	dispatcher, err := outbox.NewDispatcher(outboxStore, bus, registry,
		outbox.WithLogger(logger),
		outbox.WithDispatchInterval(cfg.OutboxDispatchInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithRetryBackoffBase(cfg.OutboxRetryBackoffBase),
		outbox.WithPublishTimeout(cfg.OutboxPublishTimeout),
	)
	if err != nil {
		return err
	}

	orchestrator, err := saga.NewOrchestrator(sagaStore, uowManager, saga.WithLogger(logger))
	if err != nil {
		return err
	}

	if err := orchestrator.RegisterHandlers(bus); err != nil {
		return err
	}

	service, err := subscription.NewService(subscriptionStore, uowManager, subscription.WithLogger(logger))
	if err != nil {
		return err
	}

	if err := service.RegisterHandlers(bus); err != nil {
		return err
	}

	launcher := runtime.NewLauncher(logger)

	if err := launcher.Add("outbox-dispatcher", dispatcher); err != nil {
		return err
	}

	logger.Log(ctx, log.LevelInfo, "subscription worker starting",
		log.String("service", cfg.ServiceName),
		log.String("exchange", cfg.RabbitExchange),
	)

	return launcher.Run(ctx, func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	})
}
