package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/due-notifier/internal/config"
	"github.com/kursadbilgin/due-notifier/internal/delivery"
	"github.com/kursadbilgin/due-notifier/internal/enrichment"
	"github.com/kursadbilgin/due-notifier/internal/events"
	"github.com/kursadbilgin/due-notifier/internal/handler"
	"github.com/kursadbilgin/due-notifier/internal/infra/postgresql"
	"github.com/kursadbilgin/due-notifier/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/due-notifier/internal/infra/redis"
	"github.com/kursadbilgin/due-notifier/internal/observability"
	"github.com/kursadbilgin/due-notifier/internal/provider"
	"github.com/kursadbilgin/due-notifier/internal/queue"
	"github.com/kursadbilgin/due-notifier/internal/repository"
	"github.com/kursadbilgin/due-notifier/internal/service"
	"github.com/kursadbilgin/due-notifier/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("due-notifier stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, cfg.DatabaseMaxOpenConns, logger.Named("gorm"))
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	notifications := repository.NewGormNotificationRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	documents := repository.NewGormDocumentRepo(db)

	broker, err := queue.NewRedisBroker(rdb, queue.BrokerConfig{
		Prefix:       cfg.QueuePrefix,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.QueuePollInterval,
		Lease:        cfg.QueueLease,
		RunTimeout:   cfg.QueueRunTimeout,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	}, logger.Named("broker"))
	if err != nil {
		return fmt.Errorf("broker initialization failed: %w", err)
	}
	broker.SetMetrics(metrics)

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec, cfg.RateLimitPerChat)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	telegram, err := provider.NewTelegramProvider(cfg.TelegramAPIURL, cfg.TelegramBotToken)
	if err != nil {
		return fmt.Errorf("telegram provider initialization failed: %w", err)
	}
	gateway, err := delivery.NewGateway(telegram, delivery.Config{
		SendTimeout: cfg.SendTimeout,
		ParseMode:   provider.ParseModeHTML,
		RateLimiter: limiter,
	}, logger.Named("gateway"))
	if err != nil {
		return fmt.Errorf("gateway initialization failed: %w", err)
	}
	gateway.SetMetrics(metrics)

	documentLookup, err := enrichment.NewDocumentLookup(documents)
	if err != nil {
		return fmt.Errorf("enrichment initialization failed: %w", err)
	}
	lookup, err := enrichment.NewCachedLookup(documentLookup, rdb, cfg.EnrichmentCacheTTL, logger.Named("enrichment"))
	if err != nil {
		return fmt.Errorf("enrichment cache initialization failed: %w", err)
	}
	lookup.SetMetrics(metrics)

	readiness := []handler.Check{handler.PostgresCheck(sqlDB), handler.RedisCheck(rdb)}

	var publisher events.Publisher = events.Nop{}
	if cfg.RabbitMQURL != "" {
		mq, err := events.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		publisher = events.NewRabbitMQPublisher(mq)
		readiness = append(readiness, handler.Check{Name: "rabbitmq", Ping: mq.Ping})
	} else {
		logger.Info("RABBITMQ_URL not set, lifecycle events are disabled")
	}
	defer publisher.Close()

	worker, err := service.NewWorkerService(notifications, attempts, gateway, service.WorkerConfig{
		Enrichment:    lookup,
		Events:        publisher,
		SequenceDelay: cfg.SequenceDelay,
	}, logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}
	worker.SetMetrics(metrics)
	if err := worker.Register(broker); err != nil {
		return fmt.Errorf("worker registration failed: %w", err)
	}
	broker.OnDead(worker.OnJobDead)

	notificationService, err := service.NewNotificationService(notifications, attempts, broker, logger.Named("producer"))
	if err != nil {
		return fmt.Errorf("notification service initialization failed: %w", err)
	}

	reconciler, err := service.NewReconciler(notifications, attempts, broker, service.ReconcilerConfig{
		Interval:   cfg.ReconcileInterval,
		Grace:      cfg.ReconcileGrace,
		StuckAfter: cfg.ReconcileStuckAfter,
		Limit:      cfg.ReconcileBatchSize,
	}, logger.Named("reconciler"))
	if err != nil {
		return fmt.Errorf("reconciler initialization failed: %w", err)
	}
	reconciler.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger.Named("http")),
		DisableStartupMessage: true,
	})
	app.Use(recover.New(), requestid.New(), metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, readiness...)
	if err := handler.RegisterNotificationRoutes(app, notificationService); err != nil {
		return err
	}
	if err := handler.RegisterJobRoutes(app, notificationService); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return broker.Run(gctx)
	})
	g.Go(func() error {
		return reconciler.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("due-notifier api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		return broker.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("due-notifier stopped")
	return nil
}
