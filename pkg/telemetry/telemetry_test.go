package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/dcache/dcache/pkg/config"
	"github.com/dcache/dcache/pkg/logging"

	"go.opentelemetry.io/otel/metric"
)

func TestNew(t *testing.T) {
	logger := logging.NewDefault()

	tests := []struct {
		cfg     *config.TelemetryConfig
		name    string
		wantErr bool
	}{
		{
			name: "disabled telemetry",
			cfg: &config.TelemetryConfig{
				Enabled: false,
			},
			wantErr: false,
		},
		{
			name: "prometheus enabled",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: true,
				PrometheusPort:    9191,
			},
			wantErr: false,
		},
		{
			name: "only metrics",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: false,
				TracingEnabled:    false,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tel, err := New(ctx, tt.cfg, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tel == nil {
				t.Error("New() returned nil telemetry")
			}

			if tel != nil && tel.prometheusServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(ctx)
			}
		})
	}
}

func TestInitMetrics(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test-service",
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}

	if metrics.ArenaGets == nil {
		t.Error("ArenaGets not initialized")
	}
	if metrics.ArenaHits == nil {
		t.Error("ArenaHits not initialized")
	}
	if metrics.RingLookups == nil {
		t.Error("RingLookups not initialized")
	}
	if metrics.DistServerRequests == nil {
		t.Error("DistServerRequests not initialized")
	}
	if metrics.WatcherReloads == nil {
		t.Error("WatcherReloads not initialized")
	}
}

func TestMetricsRecording(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test-service",
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}

	metrics.ArenaGets.Add(ctx, 1, metric.WithAttributes())
	metrics.ArenaHits.Add(ctx, 1, metric.WithAttributes())
	metrics.ArenaMotion.Add(ctx, 128, metric.WithAttributes())
	metrics.RingLookups.Add(ctx, 1, metric.WithAttributes())
	metrics.DistServerRequests.Add(ctx, 1, metric.WithAttributes())

	// If we got here without panicking, the test passes.
}

func TestMeterProvider(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test-service",
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	if tel.MeterProvider() == nil {
		t.Error("MeterProvider() returned nil")
	}
}

func TestTracerProvider(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test-service",
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	provider := tel.TracerProvider()
	if provider == nil {
		t.Error("TracerProvider() returned nil")
	}

	tracer := provider.Tracer("test-tracer")
	if tracer == nil {
		t.Error("Tracer() returned nil")
	}
}

func TestShutdown(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "test-service",
		PrometheusEnabled: true,
		PrometheusPort:    9192,
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestDisabledTelemetry(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled: false,
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	if tel.MeterProvider() == nil {
		t.Error("Disabled telemetry should still return a noop meter provider")
	}
	if tel.TracerProvider() == nil {
		t.Error("Disabled telemetry should still return a noop tracer provider")
	}

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Errorf("InitMetrics() with disabled telemetry failed: %v", err)
	}
	if metrics == nil {
		t.Error("InitMetrics() returned nil metrics")
	}
}

func TestProcessSamplerDisabledByDefault(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test-service",
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}
	if metrics.ProcessCPUPercent != nil {
		t.Error("process sampler should stay disabled when ProcessSampleInterval is zero")
	}
}
