// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "buildrunner/worker"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// BuildMetrics records build counts, durations and concurrency.
type BuildMetrics struct {
	builds   metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewBuildMetrics creates the build instruments on the global MeterProvider.
func NewBuildMetrics() (*BuildMetrics, error) {
	meter := otel.Meter(meterName)

	builds, err := meter.Int64Counter("builds_total",
		metric.WithDescription("Builds settled, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create builds counter: %w", err)
	}

	duration, err := meter.Float64Histogram("build_duration_seconds",
		metric.WithDescription("Wall time from submission to settlement"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	inFlight, err := meter.Int64UpDownCounter("builds_in_flight",
		metric.WithDescription("Builds currently executing"))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight counter: %w", err)
	}

	return &BuildMetrics{builds: builds, duration: duration, inFlight: inFlight}, nil
}

// BuildStarted marks a build as in flight.
func (m *BuildMetrics) BuildStarted(ctx context.Context) {
	m.inFlight.Add(ctx, 1)
}

// BuildFinished records a settled build.
func (m *BuildMetrics) BuildFinished(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.inFlight.Add(ctx, -1)
	m.builds.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
