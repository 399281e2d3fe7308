package acl

import (
	"context"

	"github.com/dcache/dcache/pkg/config"
	"github.com/dcache/dcache/pkg/logging"
	"github.com/dcache/dcache/pkg/telemetry"
	"github.com/dcache/dcache/pkg/watch"
)

// NewWatcher returns a watch.Watcher that polls cfg.Path and hot-reloads a
// into it, mirroring pkg/ring's watcher wiring.
func NewWatcher(cfg *config.ACLConfig, a *Allowlist, logger *logging.Logger, metrics *telemetry.Metrics) *watch.Watcher {
	w := &watch.Watcher{
		Path:         cfg.Path,
		PollInterval: cfg.PollInterval,
		Rebuilder:    a,
		Logger:       logger,
	}

	w.OnReload = func() {
		logger.Info("allowlist reloaded", "entries", a.Len())
		if metrics != nil && metrics.WatcherReloads != nil {
			metrics.WatcherReloads.Add(context.Background(), 1)
		}
	}
	w.OnError = func(err error) {
		if metrics != nil && metrics.WatcherErrors != nil {
			metrics.WatcherErrors.Add(context.Background(), 1)
		}
	}

	return w
}
