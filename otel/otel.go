// Package otel provides higher level APIs around Open Telemetry instrumentation.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/spdigital/kiosk-zoom/log"
)

const (
	serviceName = "kiosk-zoom"
	tracerName  = "kiosk-zoom"
)

// ErrUnsupportedProto indicates that the defined exporter protocol is not supported.
var ErrUnsupportedProto = errors.New("unsupported protocol")

// TraceProvider provides methods for tracers initialization and shutdown of the
// processing pipeline.
type TraceProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
	Shutdown(ctx context.Context) error
}

type traceProvider struct {
	trace.TracerProvider

	noop bool

	shutdown func(ctx context.Context) error
}

// NewTraceProvider creates a trace provider exporting to endpoint, a URL
// such as http://collector:4318. The provider becomes the global one.
func NewTraceProvider(ctx context.Context, endpoint string) (TraceProvider, error) {
	client, err := newClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating exporter client: %w", err)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource()),
	)

	otel.SetTracerProvider(prov)

	return &traceProvider{
		TracerProvider: prov,
		shutdown:       prov.Shutdown,
	}, nil
}

func newResource() *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
}

func newClient(endpoint string) (otlptrace.Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing traces endpoint %q: %w", endpoint, err)
	}
	// TODO: Support gRPC
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProto, u.Scheme)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(u.Host),
	}
	if u.Path != "" && u.Path != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(u.Path))
	}
	if u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.NewClient(opts...), nil
}

// NewNoopTraceProvider creates a new noop trace provider.
func NewNoopTraceProvider() TraceProvider {
	prov := noop.NewTracerProvider()

	otel.SetTracerProvider(prov)

	return &traceProvider{
		TracerProvider: prov,
		noop:           true,
	}
}

// Shutdown shuts down TracerProvider releasing any held computational resources.
// After Shutdown is called, all methods are no-ops.
func (tp *traceProvider) Shutdown(ctx context.Context) error {
	if tp.noop {
		return nil
	}

	return tp.shutdown(ctx)
}

// Trace generates a trace span and a context containing the generated span.
// If the input context already contains a span, the generated span will be a
// child of that span, otherwise it will be a root span.
// Any Span that is created MUST also be ended.
func Trace(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

// Tracer starts spans tagged with fixed metadata, such as the context the
// process runs as, and logs their lifecycle.
type Tracer struct {
	trace.Tracer

	logger   *log.Logger
	metadata []attribute.KeyValue
}

// NewTracer creates a Tracer from the given provider. A nil provider means
// the global one.
func NewTracer(logger *log.Logger, tp trace.TracerProvider, metadata map[string]string) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Tracer{
		Tracer:   tp.Tracer(tracerName),
		logger:   logger,
		metadata: buildMetadataAttributes(metadata),
	}
}

// Start overrides the underlying OTEL tracer method to include the tracer
// metadata and to log the span.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	ctx, span := t.Tracer.Start(ctx, spanName, opts...)
	t.logger.Tracef("otel:Start", "spanName: %q traceID: %q", spanName, TraceID(span.SpanContext()))

	return ctx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceID returns the hex trace id of spanCtx, or "" if it has none.
func TraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   *log.Logger
	spanName string
}

// SetStatus will log some info before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	i.logger.Tracef("otel:SetStatus", "spanName: %q traceID: %q code: %q description: %q",
		i.spanName, TraceID(i.SpanContext()), code, description)

	i.Span.SetStatus(code, description)
}

// End will log some info before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	i.logger.Tracef("otel:End", "spanName: %q traceID: %q", i.spanName, TraceID(i.SpanContext()))

	i.Span.End(options...)
}

// RecordError will log some info before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	i.logger.Tracef("otel:RecordError", "spanName: %q traceID: %q err: %q",
		i.spanName, TraceID(i.SpanContext()), err)

	i.Span.RecordError(err, options...)
}

// EndWithError records err on span, if any, and ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
