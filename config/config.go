// Package config loads the worker configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full configuration of the subscription worker.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"subscription-core"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	PostgresPrimaryDSN string `env:"POSTGRES_PRIMARY_DSN,required"`
	PostgresReplicaDSN string `env:"POSTGRES_REPLICA_DSN"`
	PostgresDBName     string `env:"POSTGRES_DB_NAME" envDefault:"subscriptions"`
	MigrationsPath     string `env:"MIGRATIONS_PATH"  envDefault:"migrations"`

	RabbitURL           string `env:"RABBITMQ_URL,required"`
	RabbitExchange      string `env:"RABBITMQ_EXCHANGE"    envDefault:"integration.events"`
	ConsumerConcurrency int    `env:"CONSUMER_CONCURRENCY" envDefault:"8"`

	OutboxDispatchInterval time.Duration `env:"OUTBOX_DISPATCH_INTERVAL"  envDefault:"2s"`
	OutboxBatchSize        int           `env:"OUTBOX_BATCH_SIZE"         envDefault:"100"`
	OutboxMaxRetryCount    int           `env:"OUTBOX_MAX_RETRY_COUNT"    envDefault:"10"`
	OutboxRetryBackoffBase time.Duration `env:"OUTBOX_RETRY_BACKOFF_BASE" envDefault:"5s"`
	OutboxPublishTimeout   time.Duration `env:"OUTBOX_PUBLISH_TIMEOUT"    envDefault:"10s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses the environment into a Config. The replica DSN falls back to
// the primary so single-node deployments need one variable only.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.PostgresReplicaDSN == "" {
		cfg.PostgresReplicaDSN = cfg.PostgresPrimaryDSN
	}

	if cfg.ConsumerConcurrency <= 0 {
		return nil, fmt.Errorf("CONSUMER_CONCURRENCY must be positive, got %d", cfg.ConsumerConcurrency)
	}

	if cfg.OutboxBatchSize <= 0 {
		return nil, fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", cfg.OutboxBatchSize)
	}

	return cfg, nil
}
