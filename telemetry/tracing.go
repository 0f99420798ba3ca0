package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "autocat"

const instrumentationPrefix = "github.com/onnwee/autocat/"

// TraceOptions selects the collector and how much of the daemon is traced.
type TraceOptions struct {
	// Endpoint is the collector's host:port. Empty disables tracing.
	Endpoint string
	Insecure bool
	// SampleRatio is the fraction of monitor cycles and requests kept.
	// Child spans follow their parent's decision.
	SampleRatio float64
	Version     string
	Broadcaster string
}

var provider *sdktrace.TracerProvider

// InitTracing installs the global tracer provider. It is called once from
// main before any span is started; the returned func flushes pending spans.
func InitTracing(ctx context.Context, opts TraceOptions) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		slog.Info("tracing disabled", slog.String("component", "telemetry"))
		return func(context.Context) error { return nil }, nil
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(opts.Version),
			attribute.String("twitch.broadcaster", opts.Broadcaster),
		),
		resource.WithHost(),
		resource.WithProcessRuntimeVersion(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	slog.Info("tracing enabled",
		slog.String("endpoint", opts.Endpoint),
		slog.Float64("sample_ratio", opts.SampleRatio),
		slog.String("component", "telemetry"))

	return func(ctx context.Context) error {
		p := provider
		provider = nil
		return p.Shutdown(ctx)
	}, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// TracingEnabled reports whether spans are exported.
func TracingEnabled() bool { return provider != nil }

// StartSpan starts a span under the component's tracer, tagged with the
// cycle or request correlation ID.
func StartSpan(ctx context.Context, component, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(instrumentationPrefix+component).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// StartHTTPSpan starts a server span for r. route is the bounded route label,
// never the raw path.
func StartHTTPSpan(ctx context.Context, r *http.Request, route string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", r.Method),
		attribute.String("http.route", route),
	}
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(instrumentationPrefix+"server").Start(ctx, r.Method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
}

// EndHTTPSpan records the response status. Only server errors mark the span
// failed; a 4xx is the caller's problem.
func EndHTTPSpan(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}
