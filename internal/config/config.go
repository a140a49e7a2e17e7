package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN          string `env:"DATABASE_DSN,required=true"`
	DatabaseMaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	RedisURL             string `env:"REDIS_URL,required=true"`
	// RabbitMQURL is optional; lifecycle events are disabled when empty.
	RabbitMQURL string `env:"RABBITMQ_URL"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN,required=true"`
	TelegramAPIURL   string `env:"TELEGRAM_API_URL,default=https://api.telegram.org"`

	APIPort           int           `env:"API_PORT,default=8080"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=8"`
	RateLimitPerSec   int           `env:"RATE_LIMIT_PER_SEC,default=25"`
	RateLimitPerChat  int           `env:"RATE_LIMIT_PER_CHAT_PER_SEC,default=1"`

	QueuePrefix       string        `env:"QUEUE_PREFIX,default=notifier"`
	QueuePollInterval time.Duration `env:"QUEUE_POLL_INTERVAL,default=500ms"`
	QueueLease        time.Duration `env:"QUEUE_LEASE,default=2m"`
	QueueRunTimeout   time.Duration `env:"QUEUE_RUN_TIMEOUT,default=10m"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY,default=5s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY,default=5m"`

	SendTimeout        time.Duration `env:"SEND_TIMEOUT,default=30s"`
	SequenceDelay      time.Duration `env:"SEQUENCE_DELAY,default=250ms"`
	EnrichmentCacheTTL time.Duration `env:"ENRICHMENT_CACHE_TTL,default=10m"`

	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL,default=1m"`
	ReconcileGrace      time.Duration `env:"RECONCILE_GRACE,default=5m"`
	ReconcileStuckAfter time.Duration `env:"RECONCILE_STUCK_AFTER,default=15m"`
	ReconcileBatchSize  int           `env:"RECONCILE_BATCH_SIZE,default=100"`
}

// sequenceSends is the most messages one reminder run sends: four parts and the
// consolidated fallback.
const sequenceSends = 5

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive, got %s", c.RetryBaseDelay)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must not be below RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout)
	}
	if c.QueuePollInterval <= 0 || c.QueueLease <= c.QueuePollInterval {
		return fmt.Errorf("QUEUE_LEASE (%s) must exceed a positive QUEUE_POLL_INTERVAL (%s)", c.QueueLease, c.QueuePollInterval)
	}
	if longest := c.longestRun(); c.QueueRunTimeout < longest {
		return fmt.Errorf("QUEUE_RUN_TIMEOUT (%s) must cover a full reminder sequence (%s)", c.QueueRunTimeout, longest)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive, got %s", c.ReconcileInterval)
	}
	if c.ReconcileStuckAfter <= c.QueueRunTimeout {
		return fmt.Errorf("RECONCILE_STUCK_AFTER (%s) must exceed QUEUE_RUN_TIMEOUT (%s)", c.ReconcileStuckAfter, c.QueueRunTimeout)
	}
	return nil
}

// longestRun is the time a reminder run may spend sending when every send hits
// SEND_TIMEOUT.
func (c *Config) longestRun() time.Duration {
	return sequenceSends*c.SendTimeout + (sequenceSends-2)*c.SequenceDelay
}
