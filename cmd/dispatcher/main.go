package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arlo-systems/eventbus/internal/admin"
	"github.com/arlo-systems/eventbus/pkg/broker/gcp"
	"github.com/arlo-systems/eventbus/pkg/clock"
	"github.com/arlo-systems/eventbus/pkg/config"
	"github.com/arlo-systems/eventbus/pkg/db"
	"github.com/arlo-systems/eventbus/pkg/logger"
	"github.com/arlo-systems/eventbus/pkg/metrics"
	"github.com/arlo-systems/eventbus/pkg/migrate"
	"github.com/arlo-systems/eventbus/pkg/observe"
	"github.com/arlo-systems/eventbus/pkg/outbox"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "dispatcher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "dispatcher",
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

	registry := prometheus.NewRegistry()
	dispatchMetrics := metrics.NewDispatchMetrics(registry)
	emitter := observe.NewMulti(
		observe.NewLogEmitter(logg),
		observe.NewMetricsEmitter(dispatchMetrics),
	)

	repo := outbox.NewRepository(dbClient)
	dispatcher, err := outbox.NewDispatcher(repo, driver, clock.New(), logg, emitter, outbox.DispatcherConfig{
		WorkerID:       workerID(),
		BatchSize:      cfg.Outbox.BatchSize,
		MaxRetries:     cfg.Outbox.MaxRetries,
		BaseBackoff:    cfg.Outbox.BaseBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
		JitterFraction: cfg.Outbox.JitterFraction,
		LeaseTimeout:   cfg.Outbox.LeaseTimeout,
		WorkerPoolSize: cfg.Outbox.WorkerPoolSize,
		PollInterval:   cfg.Outbox.PollInterval,
		SweepInterval:  cfg.Outbox.SweepInterval,
		SendTimeout:    cfg.Broker.SendTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatcher", err)
		os.Exit(1)
	}

	adminHandler := admin.NewRouter(admin.Params{
		Logger:     logg,
		Clock:      clock.New(),
		DB:         dbClient,
		Broker:     driver,
		Gatherer:   registry,
		DeadLetter: repo,
		Emitter:    emitter,
	})
	adminServer := &http.Server{
		Addr:              ":" + cfg.Admin.Port,
		Handler:           adminHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "dispatcher",
	})
	logg.Info(ctx, "starting outbox dispatcher")

	errCh := make(chan error, 2)
	go func() {
		errCh <- dispatcher.Run(ctx)
	}()
	go func() {
		logg.Info(logg.WithField(ctx, "addr", adminServer.Addr), "admin server listening")
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "dispatcher stopped unexpectedly", err)
			shutdownAdmin(adminServer)
			os.Exit(1)
		}
	}

	shutdownAdmin(adminServer)
	logg.Info(ctx, "dispatcher shutting down gracefully")
}

func shutdownAdmin(server *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dispatcher"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
