// Package observability provides OpenTelemetry tracing for tablemirror runs.
//
// Each table run produces a "run" span with one child span per pipeline
// stage. Until Init is called the global no-op provider is used, so
// instrumented code never has to check whether tracing is on.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
)

const instrumentationName = "github.com/ajitpratap0/tablemirror"

// TracingConfig contains tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// SamplingRate is the fraction of runs traced, 1 traces every run
	SamplingRate float64
	// Output receives the exported spans. Defaults to stdout.
	Output       io.Writer
	BatchTimeout time.Duration
}

// DefaultTracingConfig returns the configuration used by --trace.
func DefaultTracingConfig(version string) TracingConfig {
	env := os.Getenv("TABLEMIRROR_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	return TracingConfig{
		ServiceName:    "tablemirror",
		ServiceVersion: version,
		Environment:    env,
		SamplingRate:   1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Init installs a tracer provider exporting spans as JSON. The returned
// function flushes and stops the provider.
func Init(config TracingConfig) (func(context.Context) error, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	batchTimeout := config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the tablemirror tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Span wraps a trace span with error classification on End.
type Span struct {
	span trace.Span
}

// StartRun starts the root span of a table run.
func StartRun(ctx context.Context, tableID, runID string) (context.Context, *Span) {
	ctx, span := Tracer().Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("table.id", tableID),
			attribute.String("run.id", runID),
		))
	return ctx, &Span{span: span}
}

// StartStage starts the span of one pipeline stage.
func StartStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, span := Tracer().Start(ctx, stage, trace.WithAttributes(attrs...))
	return ctx, &Span{span: span}
}

// SetAttribute adds an attribute to the span
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.span.SetAttributes(attr)
}

// End ends the span, marking it failed when err is set.
func (s *Span) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetAttributes(attribute.String("error.type", string(errors.TypeOf(err))))
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
