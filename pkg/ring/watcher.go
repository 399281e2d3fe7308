package ring

import (
	"context"

	"github.com/dcache/dcache/pkg/config"
	"github.com/dcache/dcache/pkg/logging"
	"github.com/dcache/dcache/pkg/telemetry"
	"github.com/dcache/dcache/pkg/watch"
)

// NewWatcher builds a watch.Watcher that hot-reloads r from cfg's
// server-list path every cfg.PollInterval.
func NewWatcher(cfg *config.DistributedConfig, r *Ring, logger *logging.Logger, metrics *telemetry.Metrics) *watch.Watcher {
	w := &watch.Watcher{
		Path:         cfg.ServerListPath,
		PollInterval: cfg.PollInterval,
		Rebuilder:    r,
		Logger:       logger,
	}

	w.OnReload = func() {
		logger.Info("server hash ring reloaded", "nodes", r.Len())
		if metrics != nil && metrics.RingRebuilds != nil {
			metrics.RingRebuilds.Add(context.Background(), 1)
		}
		if metrics != nil && metrics.WatcherReloads != nil {
			metrics.WatcherReloads.Add(context.Background(), 1)
		}
	}

	if metrics != nil {
		w.OnError = func(err error) {
			if metrics.WatcherErrors != nil {
				metrics.WatcherErrors.Add(context.Background(), 1)
			}
		}
	}

	return w
}
