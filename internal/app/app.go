// Package app wires the reservation engine from configuration. The server
// and the worker share one container so both see the same stores.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"markhub/internal/config"
	"markhub/internal/core/dedup"
	"markhub/internal/domain/allocation"
	"markhub/internal/domain/markingcode"
	"markhub/internal/domain/saga"
	"markhub/internal/infrastructure/cache"
	"markhub/internal/infrastructure/http/v1/handlers"
	"markhub/internal/infrastructure/metrics"
	"markhub/internal/infrastructure/storage/postgres"
	"markhub/internal/infrastructure/storage/postgres/markingcode_repo"
	"markhub/internal/infrastructure/storage/postgres/readmodel_repo"
	"markhub/pkg/compress"
	"markhub/pkg/logger"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config    *config.Config
	Pool      *postgres.Pool
	TxManager *postgres.TxManager
	Codec     *compress.Codec
	Metrics   *metrics.Metrics
	Codes     *markingcode.Service
	Selector  *allocation.Selector
	Dedup     dedup.Store
	Handlers  saga.Handlers
	Registry  *saga.Registry

	redis  *redis.Client
	checks map[string]handlers.Pinger
}

// New connects to the database, optionally migrates it and builds the
// domain services. Metrics are registered on registerer.
func New(ctx context.Context, cfg *config.Config, registerer prometheus.Registerer) (*App, error) {
	pool, err := postgres.NewPool(ctx, cfg.Pool())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &App{
		Config: cfg,
		Pool:   pool,
		checks: map[string]handlers.Pinger{"database": pool},
	}

	if cfg.Postgres.Migrate {
		if err := postgres.Migrate(pool); err != nil {
			a.Close()
			return nil, err
		}
		logger.Info(ctx, "database migrated")
	}

	a.Codec, err = compress.New(cfg.Worker.CompressThreshold)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.TxManager = postgres.NewTxManager(pool)
	a.Metrics = metrics.New(registerer, metrics.Config{ServiceName: cfg.App.Name, Environment: cfg.App.Env})

	store, err := a.dedupStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Dedup = a.Metrics.Dedup(store)

	repo := markingcode_repo.NewRepo(a.TxManager)
	a.Codes = markingcode.NewService(repo, a.TxManager, postgres.NewOutbox(a.TxManager, a.Codec),
		markingcode.WithObserver(a.Metrics),
		markingcode.WithItemReleaser(saga.NewItemKeys(a.Dedup)))
	a.Selector = allocation.NewSelector(repo, a.Codes, a.TxManager, cfg.Selector()).
		WithObserver(a.Metrics)

	readModels := readmodel_repo.NewRepo(a.TxManager)
	a.Handlers = saga.NewHandlers(saga.Deps{
		Codes:     a.Codes,
		Selector:  a.Selector,
		Dedup:     a.Dedup,
		Orders:    readModels,
		Movements: readModels,
		Policy:    cfg.DedupPolicy(),
		Sizes:     cfg.PartSizes(),
	})
	a.Registry = saga.NewRegistry(a.Metrics)
	a.Handlers.Register(a.Registry)

	return a, nil
}

func (a *App) dedupStore(ctx context.Context) (dedup.Store, error) {
	switch a.Config.Dedup.Backend {
	case config.DedupRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		store := cache.NewRedisDeduplicator(a.redis, a.Config.Redis.KeyPrefix)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.checks["redis"] = store
		return store, nil
	case config.DedupMemory:
		logger.Warn(ctx, "in-memory dedup store is not shared between processes")
		return dedup.NewMemoryStore(), nil
	}
	return postgres.NewDeduplicator(a.TxManager), nil
}

// HealthChecks returns the readiness probes of the wired dependencies.
func (a *App) HealthChecks() map[string]handlers.Pinger {
	return a.checks
}

// Close releases connections.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
