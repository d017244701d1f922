package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"channelgate/internal/models"
)

// DefaultTracingConfig is tracing switched off, with console export once
// enabled.
func DefaultTracingConfig() models.TracingConfig {
	return models.TracingConfig{
		ServiceName:    "channelgate",
		ServiceVersion: "dev",
		OTLPEndpoint:   "localhost:4318",
		SampleRate:     0.1,
		Enabled:        false,
		UseConsole:     true,
	}
}

// Manager owns the tracer provider for one process. When tracing is disabled
// it hands out no-op tracers.
type Manager struct {
	config         models.TracingConfig
	environment    string
	logger         *logrus.Logger
	tracerProvider *trace.TracerProvider
	propagator     propagation.TextMapPropagator
}

// NewManager creates a new tracing manager
func NewManager(config models.TracingConfig, environment string, logger *logrus.Logger) *Manager {
	return &Manager{
		config:      config,
		environment: environment,
		logger:      logger,
		propagator:  propagation.TraceContext{},
	}
}

// Initialize sets up the exporter and provider
func (tm *Manager) Initialize(ctx context.Context) error {
	if !tm.config.Enabled {
		tm.logger.Info("OpenTelemetry tracing is disabled")
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(tm.config.ServiceName),
			semconv.ServiceVersionKey.String(tm.config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(tm.environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter trace.SpanExporter
	if tm.config.UseConsole {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		tm.logger.Info("Using stdout trace exporter")
	} else {
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(tm.config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
		tm.logger.WithField("endpoint", tm.config.OTLPEndpoint).Info("Using OTLP HTTP trace exporter")
	}

	tm.tracerProvider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(tm.config.SampleRate))),
	)

	tm.logger.WithFields(logrus.Fields{
		"service":     tm.config.ServiceName,
		"sample_rate": tm.config.SampleRate,
	}).Info("OpenTelemetry tracing initialized")

	return nil
}

// Shutdown flushes pending spans
func (tm *Manager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := tm.tracerProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	tm.logger.Info("OpenTelemetry tracing shutdown completed")
	return nil
}

// Tracer returns a named tracer from the managed provider.
func (tm *Manager) Tracer(name string) oteltrace.Tracer {
	if tm == nil || tm.tracerProvider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return tm.tracerProvider.Tracer(name)
}

// Propagator returns the W3C trace-context propagator used for HTTP headers.
func (tm *Manager) Propagator() propagation.TextMapPropagator {
	if tm == nil {
		return propagation.TraceContext{}
	}
	return tm.propagator
}

// StartSpan starts a span on tracer with optional attributes
func StartSpan(ctx context.Context, tracer oteltrace.Tracer, spanName string, attributes ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	spanCtx, span := tracer.Start(ctx, spanName)
	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}
	return spanCtx, span
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error, attributes ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err, oteltrace.WithAttributes(attributes...))
		span.SetStatus(codes.Error, err.Error())
	}
}

// ChannelAttributes labels a span with the channel it concerns. An empty
// channel type is omitted.
func ChannelAttributes(channelID string, channelType models.ChannelType) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("channel.id", channelID)}
	if channelType != "" {
		attrs = append(attrs, attribute.String("channel.type", string(channelType)))
	}
	return attrs
}

// GetOtelTraceID returns the trace ID from the current span, if any
func GetOtelTraceID(ctx context.Context) string {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
