// Command dcached is the long-running cache daemon: it loads the YAML
// config, wires up the arena cache or distributed client depending on
// distributed.enabled, starts the allowlist and ring watchers, and serves
// /metrics until SIGINT. Resolving and answering DNS queries is a
// caller's job — dcached exposes the cache core through pkg/resolver,
// it does not listen on port 53.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dcache/dcache/pkg/acl"
	"github.com/dcache/dcache/pkg/arenacache"
	"github.com/dcache/dcache/pkg/config"
	"github.com/dcache/dcache/pkg/distclient"
	"github.com/dcache/dcache/pkg/logging"
	"github.com/dcache/dcache/pkg/resolver"
	"github.com/dcache/dcache/pkg/ring"
	"github.com/dcache/dcache/pkg/telemetry"
)

var configPath = flag.String("config", "config.yml", "path to configuration file")

func main() {
	flag.Parse()

	cfgWatcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dcached: failed to load config: %v\n", err)
		os.Exit(111)
	}
	cfg := cfgWatcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dcached: failed to initialize logger: %v\n", err)
		os.Exit(111)
	}
	logging.SetGlobal(logger)

	// Reopen the watcher now that a real logger exists; the first one
	// above only served to load cfg before logging was available.
	if err := cfgWatcher.Close(); err != nil {
		logger.Warn("failed to close bootstrap config watcher", "error", err)
	}
	cfgWatcher, err = config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Error("failed to reinitialize config watcher", "error", err)
		os.Exit(111)
	}
	cfg = cfgWatcher.Config()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(111)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(111)
	}

	var arena *arenacache.Arena
	var client *distclient.Client
	var ringWatcher *ring.Ring

	if cfg.Distributed.Enabled {
		ringWatcher = ring.New(metrics)
		w := ring.NewWatcher(&cfg.Distributed, ringWatcher, logger, metrics)
		go w.Run(ctx)

		client = distclient.New(ringWatcher, cfg.Distributed.DialTimeout, cfg.Distributed.ResponseTimeout, logger, metrics)
		logger.Info("distributed cache mode enabled", "server_list", cfg.Distributed.ServerListPath)
	} else {
		arena, err = arenacache.New(&cfg.Arena, logger, metrics)
		if err != nil {
			logger.Error("failed to initialize arena cache", "error", err)
			os.Exit(111)
		}
		logger.Info("single-process arena cache mode enabled", "size_bytes", cfg.Arena.SizeBytes)
	}

	cacheResolver := resolver.New(cfg, arena, client, logger)
	_ = cacheResolver // exposed for callers embedding dcached's wiring; dcached itself only keeps the core alive

	var allowlist *acl.Allowlist
	if cfg.ACL.Enabled {
		allowlist = acl.New()
		w := acl.NewWatcher(&cfg.ACL, allowlist, logger, metrics)
		go w.Run(ctx)
		logger.Info("allowlist enabled", "path", cfg.ACL.Path)
	}

	go func() {
		if err := cfgWatcher.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	logger.Info("dcached running")

	<-ctx.Done()
	logger.Info("dcached received SIGINT, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
	if err := cfgWatcher.Close(); err != nil {
		logger.Error("config watcher close error", "error", err)
	}

	if arena != nil {
		logger.Info("final arena stats", "stats", arena.Stats())
	}
	if allowlist != nil {
		logger.Info("final allowlist size", "entries", allowlist.Len())
	}

	logger.Info("dcached stopped")
}
