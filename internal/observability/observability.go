// Package observability configures OpenTelemetry tracing for agent runs.
package observability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultServiceName is used when Config.ServiceName is empty.
const DefaultServiceName = "agentrelay"

var (
	mu             sync.RWMutex
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
)

// Config holds observability configuration
type Config struct {
	ServiceName string

	// Enabled controls whether spans are exported at all.
	Enabled bool

	// ExporterType specifies the exporter: "otlp", "stdout", or "none"
	ExporterType string

	// OTLPEndpoint is the OTLP/HTTP collector host:port.
	OTLPEndpoint string

	// OTLPHeaders are additional headers for OTLP requests (e.g., authorization)
	OTLPHeaders map[string]string
}

// Init initializes the observability system with the given configuration
func Init(config Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}

	if !config.Enabled || config.ExporterType == "none" {
		logger.Info("tracing disabled")
		setTracer(nil, otel.GetTracerProvider().Tracer(config.ServiceName))
		return nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch config.ExporterType {
	case "otlp":
		exporter, err = createOTLPExporter(config)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		logger.Info("tracing initialized", zap.String("exporter", "otlp"), zap.String("endpoint", config.OTLPEndpoint))

	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		logger.Info("tracing initialized", zap.String("exporter", "stdout"))

	default:
		return fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	setTracer(tp, tp.Tracer(config.ServiceName))
	return nil
}

func setTracer(tp *sdktrace.TracerProvider, tr trace.Tracer) {
	mu.Lock()
	defer mu.Unlock()
	tracerProvider = tp
	tracer = tr
}

func currentTracer() trace.Tracer {
	mu.RLock()
	tr := tracer
	mu.RUnlock()
	if tr == nil {
		return otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return tr
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	mu.RLock()
	tp := tracerProvider
	mu.RUnlock()
	if tp == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	return tp.Shutdown(ctx)
}

// StartSpanWithOtel creates a new span with the given name and OpenTelemetry options.
// Returns a context with the span and the raw OpenTelemetry span.
func StartSpanWithOtel(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return currentTracer().Start(ctx, name, opts...)
}

// StartSpan creates a new span from a parent context with data converted to attributes.
func StartSpan(ctx context.Context, name string, data map[string]any) (context.Context, *Span) {
	spanCtx, span := currentTracer().Start(ctx, name)

	if len(data) > 0 {
		attrs := make([]attribute.KeyValue, 0, len(data))
		for k, v := range data {
			attrs = append(attrs, convertToAttribute(k, v))
		}
		span.SetAttributes(attrs...)
	}

	return spanCtx, &Span{ctx: spanCtx, span: span, name: name}
}

// Span wraps an OpenTelemetry span. End is idempotent.
type Span struct {
	ctx   context.Context
	span  trace.Span
	name  string
	once  sync.Once
	ended bool
}

// End finishes the span
func (s *Span) End() {
	s.once.Do(func() {
		if s.span != nil {
			s.span.End()
		}
		s.ended = true
	})
}

// Name returns the span name
func (s *Span) Name() string {
	return s.name
}

// IsEnded returns whether the span has been ended
func (s *Span) IsEnded() bool {
	return s.ended
}

// Context returns the span's context
func (s *Span) Context() context.Context {
	return s.ctx
}

// SetAttribute adds an attribute to the span
func (s *Span) SetAttribute(key string, value any) {
	if s.span != nil {
		s.span.SetAttributes(convertToAttribute(key, value))
	}
}

// SetError records err and marks the span as failed.
func (s *Span) SetError(err error) {
	if s.span != nil && err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

func createOTLPExporter(config Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{}
	if config.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(config.OTLPEndpoint))
	}
	if len(config.OTLPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.OTLPHeaders))
	}

	client := otlptracehttp.NewClient(opts...)
	return otlptrace.New(context.Background(), client)
}

func convertToAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// ParseHeaders parses "key1=value1,key2=value2" into a header map.
func ParseHeaders(headerStr string) map[string]string {
	if strings.TrimSpace(headerStr) == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(headerStr, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}
