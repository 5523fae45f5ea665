// Package main is the entry point for the markhub background worker:
// event subscribers, the outbox relay and periodic cleanup.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"markhub/internal/app"
	"markhub/internal/config"
	"markhub/internal/infrastructure/messaging"
	"markhub/internal/infrastructure/storage/postgres"
	"markhub/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger())
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log = log.WithComponent("worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting markhub worker")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, registry)
	if err != nil {
		log.Fatalw("failed to initialize", "error", err)
	}
	defer a.Close()

	client, err := messaging.NewClient(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Endpoint)
	if err != nil {
		log.Fatalw("failed to connect to pubsub", "error", err)
	}
	defer client.Close()

	publisher, err := messaging.NewPublisher(client.Topic(cfg.PubSub.CodesTopic))
	if err != nil {
		log.Fatalw("failed to create publisher", "error", err)
	}
	defer publisher.Stop()

	var subscribers []app.Runner
	for _, name := range []string{
		cfg.PubSub.OrdersSubscription,
		cfg.PubSub.MovementsSubscription,
		cfg.PubSub.ReissueSubscription,
	} {
		if name == "" {
			continue
		}
		sub := client.Subscription(name)
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.PubSub.MaxOutstanding
		s, err := messaging.NewSubscriber(sub, a.Registry, a.Codec, "worker")
		if err != nil {
			log.Fatalw("failed to create subscriber", "subscription", name, "error", err)
		}
		subscribers = append(subscribers, s)
	}

	relay := postgres.NewOutboxRelay(a.TxManager, publisher, cfg.Worker.RelayBatchSize)
	worker := app.NewWorker(app.WorkerConfig{
		RelayInterval:   cfg.Worker.RelayInterval,
		CleanupInterval: cfg.Worker.CleanupInterval,
		PurgeAfter:      cfg.Worker.PurgeAfter,
	}, relay, a.Dedup, a.Pool, a.Metrics, subscribers...)

	// Metrics only; the operator API is served by cmd/server.
	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server failed", "error", err)
		}
	}()

	if err := worker.Run(ctx); err != nil {
		log.Errorw("worker stopped with error", "error", err)
	}

	log.Info("shutting down worker...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer stop()
	_ = metricsServer.Shutdown(shutdownCtx)

	log.Info("worker stopped")
}
