package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"markhub/internal/core/dedup"
	"markhub/internal/infrastructure/metrics"
	"markhub/internal/infrastructure/storage/postgres"
	"markhub/pkg/logger"
)

// Relay drains the outbox.
type Relay interface {
	ProcessBatch(ctx context.Context) (int, error)
	MoveToDLQ(ctx context.Context) (int64, error)
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
}

// Runner is a long-running consumer, such as a subscription.
type Runner interface {
	Run(ctx context.Context) error
}

// PoolStatser reports connection pool usage.
type PoolStatser interface {
	Stats() postgres.PoolStats
}

// WorkerConfig sets the worker intervals.
type WorkerConfig struct {
	RelayInterval   time.Duration
	CleanupInterval time.Duration
	PurgeAfter      time.Duration
}

// Worker runs the subscribers, the outbox relay and periodic cleanup.
type Worker struct {
	cfg         WorkerConfig
	relay       Relay
	dedup       dedup.Store
	pool        PoolStatser
	metrics     *metrics.Metrics
	subscribers []Runner
	now         func() time.Time
}

// NewWorker creates a worker. pool and m may be nil.
func NewWorker(cfg WorkerConfig, relay Relay, store dedup.Store, pool PoolStatser, m *metrics.Metrics, subscribers ...Runner) *Worker {
	if cfg.RelayInterval <= 0 {
		cfg.RelayInterval = 2 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = 72 * time.Hour
	}
	return &Worker{
		cfg:         cfg,
		relay:       relay,
		dedup:       store,
		pool:        pool,
		metrics:     m,
		subscribers: subscribers,
		now:         time.Now,
	}
}

// Run blocks until ctx is canceled or a subscriber fails.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range w.subscribers {
		g.Go(func() error { return s.Run(ctx) })
	}
	g.Go(func() error {
		w.every(ctx, w.cfg.RelayInterval, w.RelayOnce)
		return nil
	})
	g.Go(func() error {
		w.every(ctx, w.cfg.CleanupInterval, w.CleanupOnce)
		return nil
	})
	return g.Wait()
}

func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RelayOnce sends pending outbox messages until a batch comes back short.
func (w *Worker) RelayOnce(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.relay.ProcessBatch(ctx)
		if err != nil {
			logger.Error(ctx, "outbox relay failed", "error", err)
			return
		}
		if w.metrics != nil {
			w.metrics.OutboxRelayed(metrics.OutboxSent, n)
		}
		if n == 0 {
			return
		}
	}
}

// CleanupOnce expires dedup records, dead-letters exhausted outbox
// messages and purges old published ones.
func (w *Worker) CleanupOnce(ctx context.Context) {
	now := w.now()

	if n, err := w.dedup.Expire(ctx, now); err != nil {
		logger.Error(ctx, "dedup expiry failed", "error", err)
	} else if n > 0 {
		logger.Info(ctx, "dedup records expired", "count", n)
	}

	if n, err := w.relay.MoveToDLQ(ctx); err != nil {
		logger.Error(ctx, "outbox dead-letter move failed", "error", err)
	} else if n > 0 {
		logger.Warn(ctx, "outbox messages dead-lettered", "count", n)
		if w.metrics != nil {
			w.metrics.OutboxRelayed(metrics.OutboxDLQ, int(n))
		}
	}

	if n, err := w.relay.PurgePublished(ctx, now.Add(-w.cfg.PurgeAfter)); err != nil {
		logger.Error(ctx, "outbox purge failed", "error", err)
	} else if n > 0 {
		logger.Info(ctx, "published outbox messages purged", "count", n)
	}

	if w.pool != nil {
		stats := w.pool.Stats()
		if w.metrics != nil {
			w.metrics.PoolStats(stats)
		}
		logger.Debug(ctx, "database pool stats",
			"total", stats.TotalConns,
			"acquired", stats.AcquiredConns,
			"idle", stats.IdleConns,
		)
	}
}
