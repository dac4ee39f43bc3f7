// The worker consumes bus topics: it routes inbound events to registered
// handlers behind the Redis idempotency guard and hosts the saga
// orchestrator's reply handling, resume and stall sweep.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/arlo-systems/eventbus/pkg/broker/gcp"
	"github.com/arlo-systems/eventbus/pkg/bus"
	"github.com/arlo-systems/eventbus/pkg/clock"
	"github.com/arlo-systems/eventbus/pkg/config"
	"github.com/arlo-systems/eventbus/pkg/db"
	"github.com/arlo-systems/eventbus/pkg/env"
	"github.com/arlo-systems/eventbus/pkg/logger"
	"github.com/arlo-systems/eventbus/pkg/migrate"
	"github.com/arlo-systems/eventbus/pkg/observe"
	"github.com/arlo-systems/eventbus/pkg/outbox"
	"github.com/arlo-systems/eventbus/pkg/redis"
	"github.com/arlo-systems/eventbus/pkg/saga"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	driver, err := gcp.New(context.Background(), cfg.Broker, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub broker", err)
		os.Exit(1)
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub broker", err)
		}
	}()

	guard, err := bus.NewIdempotencyGuard(redisClient, cfg.Bus.IdempotencyTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency guard", err)
		os.Exit(1)
	}

	emitter := observe.NewLogEmitter(logg)
	eventBus, err := bus.New(bus.Params{
		Driver:        driver,
		DB:            dbClient,
		Outbox:        outbox.NewRepository(dbClient),
		Clock:         clock.New(),
		Logger:        logg,
		Emitter:       emitter,
		Idempotency:   guard,
		TopicPrefix:   cfg.Broker.TopicPrefix,
		ConsumerGroup: cfg.Broker.ConsumerGroup,
		Config:        cfg.Bus,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create event bus", err)
		os.Exit(1)
	}

	orchestrator, err := saga.NewOrchestrator(
		saga.NewRegistry(),
		saga.NewRepository(dbClient),
		eventBus,
		clock.New(),
		logg,
		emitter,
		saga.Config{
			CompensationRetries: cfg.Saga.CompensationRetries,
			StepTimeout:         cfg.Saga.StepTimeout,
		},
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create saga orchestrator", err)
		os.Exit(1)
	}
	orchestrator.Bind(eventBus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "worker",
	})

	if err := orchestrator.Resume(ctx); err != nil {
		logg.Error(ctx, "failed to resume in-flight sagas", err)
		os.Exit(1)
	}
	go sweepStalledSagas(ctx, logg, orchestrator, cfg.Saga.StepTimeout)

	topics := workerTopics(cfg.Broker.TopicPrefix)
	logg.Info(logg.WithField(ctx, "topics", topics), "starting bus worker")

	if err := eventBus.Run(ctx, topics...); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "bus worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

// workerTopics reads the comma-separated EVENTBUS_WORKER_TOPICS list, falling
// back to the saga reply topic.
func workerTopics(topicPrefix string) []string {
	raw := env.Get("EVENTBUS_WORKER_TOPICS", topicPrefix+".saga")
	var topics []string
	for _, topic := range strings.Split(raw, ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			topics = append(topics, topic)
		}
	}
	return topics
}

func sweepStalledSagas(ctx context.Context, logg *logger.Logger, orchestrator *saga.Orchestrator, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nudged, err := orchestrator.SweepStalled(ctx)
			if err != nil {
				logg.Error(ctx, "saga stall sweep failed", err)
				continue
			}
			if nudged > 0 {
				logg.Info(logg.WithField(ctx, "nudged", nudged), "stalled sagas re-published")
			}
		}
	}
}
