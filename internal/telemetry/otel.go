package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds the configuration for OpenTelemetry
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
}

// Provider holds the OpenTelemetry providers
type Provider struct {
	TraceProvider  *trace.TracerProvider
	MetricProvider *metric.MeterProvider
	config         *Config
}

// NewProvider creates a new OpenTelemetry provider. When telemetry is
// disabled the provider is inert and Shutdown is a no-op.
func NewProvider(config *Config) (*Provider, error) {
	if !config.Enabled {
		LogFromContext(context.Background()).WithFields(map[string]interface{}{
			"operation": "initialize_otel",
			"service":   config.ServiceName,
			"enabled":   false,
		}).Info("OpenTelemetry is disabled")
		return &Provider{config: config}, nil
	}

	ctx := context.Background()

	res, err := createResource(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider, err := newTraceProvider(res, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace provider: %w", err)
	}

	metricProvider, err := newMetricProvider(res, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric provider: %w", err)
	}

	otel.SetTracerProvider(traceProvider)
	otel.SetMeterProvider(metricProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		TraceProvider:  traceProvider,
		MetricProvider: metricProvider,
		config:         config,
	}, nil
}

// Shutdown gracefully shuts down the providers
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.config.Enabled {
		return nil
	}

	var errs []error

	if p.TraceProvider != nil {
		if err := p.TraceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown trace provider: %w", err))
		}
	}

	if p.MetricProvider != nil {
		if err := p.MetricProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown metric provider: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	return nil
}

// createResource creates a new resource with service information
func createResource(ctx context.Context, config *Config) (*resource.Resource, error) {
	instanceID, err := os.Hostname()
	if err != nil || instanceID == "" {
		instanceID = config.ServiceName
	}

	return resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.ServiceInstanceID(instanceID),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
}

// newTraceProvider creates a new trace provider
func newTraceProvider(res *resource.Resource, config *Config) (*trace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(config.OTLPEndpoint),
		otlptracehttp.WithInsecure(), // Use insecure for local development
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	)

	return tp, nil
}

// newMetricProvider creates a new metric provider
func newMetricProvider(res *resource.Resource, config *Config) (*metric.MeterProvider, error) {
	exporter, err := otlpmetrichttp.New(
		context.Background(),
		otlpmetrichttp.WithEndpoint(config.OTLPEndpoint),
		otlpmetrichttp.WithInsecure(), // Use insecure for local development
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(30*time.Second))),
		metric.WithResource(res),
	)

	return mp, nil
}

// LoadConfigFromEnv loads OpenTelemetry configuration from environment
// variables. ServiceName is overridden per binary by the callers.
func LoadConfigFromEnv() *Config {
	return &Config{
		ServiceName:    getEnv("OTEL_SERVICE_NAME", "notifyrelay"),
		ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		Enabled:        getEnv("OTEL_ENABLED", "true") == "true",
	}
}

// InitializeOpenTelemetry initializes OpenTelemetry with the given
// configuration and returns a shutdown function for deferred cleanup.
func InitializeOpenTelemetry(ctx context.Context, config *Config) (func(), error) {
	provider, err := NewProvider(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenTelemetry provider: %w", err)
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			LogFromContext(shutdownCtx).WithFields(map[string]interface{}{
				"operation": "shutdown_otel",
				"service":   config.ServiceName,
			}).WithError(err).Error("Error shutting down OpenTelemetry")
		}
	}, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
