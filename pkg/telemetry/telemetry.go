// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/dcache/dcache/pkg/config"
	"github.com/dcache/dcache/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
	stopProcessSampler context.CancelFunc
}

// Metrics holds all application metrics for the cache core.
type Metrics struct {
	// Arena cache (C1)
	ArenaGets      metric.Int64Counter
	ArenaHits      metric.Int64Counter
	ArenaMisses    metric.Int64Counter
	ArenaSets      metric.Int64Counter
	ArenaEvictions metric.Int64Counter
	ArenaMotion    metric.Int64UpDownCounter

	// Server hash ring (C2)
	RingLookups  metric.Int64Counter
	RingRebuilds metric.Int64Counter
	RingNodes    metric.Int64UpDownCounter

	// Distributed client/server (C4, C5, C6)
	DistClientRequests metric.Int64Counter
	DistClientTimeouts metric.Int64Counter
	DistServerRequests metric.Int64Counter
	DistServerHits     metric.Int64Counter
	DistServerMisses   metric.Int64Counter
	DistServerEntries  metric.Int64UpDownCounter

	// Watchers (C7)
	WatcherReloads metric.Int64Counter
	WatcherErrors  metric.Int64Counter

	// Process resource sampler
	ProcessCPUPercent metric.Float64ObservableGauge
	ProcessRSSBytes   metric.Int64ObservableGauge
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		if err := t.setupTracing(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to setup tracing: %w", err)
		}
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

func (t *Telemetry) setupMetrics(ctx context.Context, res *resource.Resource) error {
	if t.cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		t.prometheusExporter = exporter

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)

		t.meterProvider = provider
		otel.SetMeterProvider(provider)

		if err := t.startPrometheusServer(); err != nil {
			return fmt.Errorf("failed to start prometheus server: %w", err)
		}

		t.logger.Info("prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	} else {
		t.meterProvider = noop.NewMeterProvider()
	}

	return nil
}

func (t *Telemetry) setupTracing(ctx context.Context, res *resource.Resource) error {
	// Reserved for an OTLP exporter; a noop provider until one is wired.
	t.tracerProvider = tracenoop.NewTracerProvider()
	otel.SetTracerProvider(t.tracerProvider)

	t.logger.Info("tracing enabled", "endpoint", t.cfg.TracingEndpoint)
	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all application metrics, and starts
// the process resource sampler if configured.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dcache")

	m := &Metrics{}
	var err error

	if m.ArenaGets, err = meter.Int64Counter("arena.gets", metric.WithDescription("Total arena cache lookups")); err != nil {
		return nil, fmt.Errorf("arena.gets: %w", err)
	}
	if m.ArenaHits, err = meter.Int64Counter("arena.hits", metric.WithDescription("Arena cache hits")); err != nil {
		return nil, fmt.Errorf("arena.hits: %w", err)
	}
	if m.ArenaMisses, err = meter.Int64Counter("arena.misses", metric.WithDescription("Arena cache misses")); err != nil {
		return nil, fmt.Errorf("arena.misses: %w", err)
	}
	if m.ArenaSets, err = meter.Int64Counter("arena.sets", metric.WithDescription("Arena cache insertions")); err != nil {
		return nil, fmt.Errorf("arena.sets: %w", err)
	}
	if m.ArenaEvictions, err = meter.Int64Counter("arena.evictions", metric.WithDescription("Entries evicted to reclaim arena space")); err != nil {
		return nil, fmt.Errorf("arena.evictions: %w", err)
	}
	if m.ArenaMotion, err = meter.Int64UpDownCounter("arena.motion", metric.WithDescription("Total bytes written to the arena by successful sets")); err != nil {
		return nil, fmt.Errorf("arena.motion: %w", err)
	}

	if m.RingLookups, err = meter.Int64Counter("ring.lookups", metric.WithDescription("Key-to-server ring lookups")); err != nil {
		return nil, fmt.Errorf("ring.lookups: %w", err)
	}
	if m.RingRebuilds, err = meter.Int64Counter("ring.rebuilds", metric.WithDescription("Ring rebuilds triggered by server-list file changes")); err != nil {
		return nil, fmt.Errorf("ring.rebuilds: %w", err)
	}
	if m.RingNodes, err = meter.Int64UpDownCounter("ring.nodes", metric.WithDescription("Current number of nodes in the ring")); err != nil {
		return nil, fmt.Errorf("ring.nodes: %w", err)
	}

	if m.DistClientRequests, err = meter.Int64Counter("distclient.requests", metric.WithDescription("Distributed client SET/GET requests sent")); err != nil {
		return nil, fmt.Errorf("distclient.requests: %w", err)
	}
	if m.DistClientTimeouts, err = meter.Int64Counter("distclient.timeouts", metric.WithDescription("Distributed client requests that timed out")); err != nil {
		return nil, fmt.Errorf("distclient.timeouts: %w", err)
	}
	if m.DistServerRequests, err = meter.Int64Counter("distserver.requests", metric.WithDescription("Requests handled by the distributed cache server")); err != nil {
		return nil, fmt.Errorf("distserver.requests: %w", err)
	}
	if m.DistServerHits, err = meter.Int64Counter("distserver.hits", metric.WithDescription("Distributed server GET hits")); err != nil {
		return nil, fmt.Errorf("distserver.hits: %w", err)
	}
	if m.DistServerMisses, err = meter.Int64Counter("distserver.misses", metric.WithDescription("Distributed server GET misses")); err != nil {
		return nil, fmt.Errorf("distserver.misses: %w", err)
	}
	if m.DistServerEntries, err = meter.Int64UpDownCounter("distserver.entries", metric.WithDescription("Current entries held by the distributed server store")); err != nil {
		return nil, fmt.Errorf("distserver.entries: %w", err)
	}

	if m.WatcherReloads, err = meter.Int64Counter("watcher.reloads", metric.WithDescription("Successful hot reloads across the ring and allowlist watchers")); err != nil {
		return nil, fmt.Errorf("watcher.reloads: %w", err)
	}
	if m.WatcherErrors, err = meter.Int64Counter("watcher.errors", metric.WithDescription("Failed reload attempts across the ring and allowlist watchers")); err != nil {
		return nil, fmt.Errorf("watcher.errors: %w", err)
	}

	if err := t.initProcessSampler(m, meter); err != nil {
		return nil, fmt.Errorf("process sampler: %w", err)
	}

	return m, nil
}

// initProcessSampler registers observable gauges backed by gopsutil process
// stats, sampled at cfg.ProcessSampleInterval.
func (t *Telemetry) initProcessSampler(m *Metrics, meter metric.Meter) error {
	interval := t.cfg.ProcessSampleInterval
	if interval <= 0 {
		return nil
	}

	pid := int32(os.Getpid())
	numCPU := runtime.NumCPU()

	var cpuPercent float64
	var rssBytes int64

	cpuGauge, err := meter.Float64ObservableGauge(
		"process.cpu.percent",
		metric.WithDescription("Process CPU usage normalized to 0-100%"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(cpuPercent)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("process.cpu.percent: %w", err)
	}
	m.ProcessCPUPercent = cpuGauge

	rssGauge, err := meter.Int64ObservableGauge(
		"process.rss.bytes",
		metric.WithDescription("Process resident set size"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(rssBytes)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("process.rss.bytes: %w", err)
	}
	m.ProcessRSSBytes = rssGauge

	ctx, cancel := context.WithCancel(context.Background())
	t.stopProcessSampler = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				proc, err := process.NewProcessWithContext(ctx, pid)
				if err != nil {
					continue
				}
				if pct, err := proc.PercentWithContext(ctx, 0); err == nil && numCPU > 0 {
					cpuPercent = pct / float64(numCPU)
				}
				if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
					rssBytes = int64(mem.RSS)
				}
			}
		}
	}()

	return nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.stopProcessSampler != nil {
		t.stopProcessSampler()
	}

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("telemetry shut down")
	return nil
}
