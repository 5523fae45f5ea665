// Package main is the entry point for the markhub operator API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"markhub/internal/app"
	"markhub/internal/config"
	v1 "markhub/internal/infrastructure/http/v1"
	"markhub/pkg/logger"
)

var version = "dev"

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
	log = log.WithComponent("server")
	ctx := logger.WithLogger(context.Background(), log)

	log.Infow("starting markhub server", "version", version, "env", cfg.App.Env)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, registry)
	if err != nil {
		log.Fatalw("failed to initialize", "error", err)
	}
	defer a.Close()

	router := v1.NewRouter(v1.RouterConfig{
		Logger:       log,
		Codes:        a.Codes,
		Reissuer:     a.Handlers.Reissue,
		HealthChecks: a.HealthChecks(),
		Version:      version,
		Requests:     a.Metrics,
		Gatherer:     registry,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Infow("server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
