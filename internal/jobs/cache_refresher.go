package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
)

const CacheRefreshedSubject = "evt.listing.cache.refreshed.v1"

// Rebuilder refills the listing cache from the ledger and reports how many
// listings it wrote.
type Rebuilder interface {
	Rebuild(ctx context.Context) (int, error)
}

// Notifier publishes non-canonical internal events.
type Notifier interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// CacheRefresher periodically rebuilds the listing cache and emits a NATS
// event when a rebuild completes.
type CacheRefresher struct {
	logger    *zap.Logger
	cache     Rebuilder
	publisher Notifier
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewCacheRefresher constructs the job. publisher may be nil.
func NewCacheRefresher(logger *zap.Logger, cache Rebuilder, pub Notifier, interval time.Duration) *CacheRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheRefresher{
		logger:    logger,
		cache:     cache,
		publisher: pub,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start rebuilds once immediately, then on every tick until stopped.
func (r *CacheRefresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("cache_refresher.started", zap.Duration("interval", r.interval))
	r.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("cache_refresher.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("cache_refresher.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the refresher. Safe to call more than once.
func (r *CacheRefresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RunOnce executes one rebuild cycle.
func (r *CacheRefresher) RunOnce(ctx context.Context) {
	start := time.Now()

	n, err := r.cache.Rebuild(ctx)
	if err != nil {
		metrics.IncError("cache_refresher", "rebuild_failed")
		r.logger.Error("cache_refresher.rebuild_failed", zap.Error(err))
		return
	}
	metrics.SetLastRefresh("listing_cache", time.Now())

	if r.publisher != nil {
		event := map[string]any{
			"event":       CacheRefreshedSubject,
			"timestamp":   time.Now().UTC(),
			"listings":    n,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err := r.publisher.Publish(ctx, CacheRefreshedSubject, event); err != nil {
			r.logger.Warn("cache_refresher.nats_publish_failed", zap.Error(err))
		}
	}

	r.logger.Debug("cache_refresher.success",
		zap.Int("listings", n),
		zap.Duration("duration", time.Since(start)))
}
