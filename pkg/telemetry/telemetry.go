// Package telemetry exposes probedb's metrics: an OpenTelemetry meter backed
// by a Prometheus exporter, plus the instrument set the storage engine
// reports. probedb has no tracing surface, so this is metrics only.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.uber.org/zap"
)

// Config holds the metrics configuration.
type Config struct {
	// Enabled toggles metrics collection and the /metrics endpoint.
	Enabled bool `yaml:"enabled"`
	// ServiceName is the service name attached to exported metrics.
	ServiceName string `yaml:"service_name"`
	// PrometheusPort is the port serving the /metrics endpoint.
	PrometheusPort int `yaml:"prometheus_port"`
}

// Metrics bundles the meter and the counters the engine reports. When
// metrics are disabled every instrument is a no-op, so callers record
// unconditionally.
type Metrics struct {
	Meter   metric.Meter
	Inserts metric.Int64Counter
	Lookups metric.Int64Counter
	Removes metric.Int64Counter
}

// ShutdownFunc stops the metrics endpoint and flushes the provider.
type ShutdownFunc func(ctx context.Context) error

// New builds the Metrics set. When enabled it also starts an HTTP server
// exposing Prometheus's /metrics on the configured port; the returned
// shutdown func stops the server and the meter provider.
func New(config Config, log *zap.Logger) (*Metrics, ShutdownFunc, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !config.Enabled {
		m, err := newInstruments(noop.NewMeterProvider().Meter(""))
		return m, func(context.Context) error { return nil }, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.PrometheusPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics endpoint failed", zap.Error(err))
		}
	}()
	log.Info("metrics endpoint listening", zap.Int("port", config.PrometheusPort))

	m, err := newInstruments(provider.Meter(config.ServiceName))
	if err != nil {
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop metrics endpoint: %w", err)
		}
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
		return nil
	}
	return m, shutdown, nil
}

func newInstruments(meter metric.Meter) (*Metrics, error) {
	inserts, err := meter.Int64Counter("probedb.index.inserts",
		metric.WithDescription("hash index insert operations"))
	if err != nil {
		return nil, err
	}
	lookups, err := meter.Int64Counter("probedb.index.lookups",
		metric.WithDescription("hash index point lookups"))
	if err != nil {
		return nil, err
	}
	removes, err := meter.Int64Counter("probedb.index.removes",
		metric.WithDescription("hash index remove operations"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		Meter:   meter,
		Inserts: inserts,
		Lookups: lookups,
		Removes: removes,
	}, nil
}
